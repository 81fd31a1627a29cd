// Package psql implements the ledger contract on the relational
// database. Accounts carry posted/pending debit and credit columns;
// transfers are rows that move between pending, posted, and voided
// under row locks.
package psql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

const (
	statePending = "pending"
	statePosted  = "posted"
	stateVoided  = "voided"
)

// Ledger is the SQL backend.
type Ledger struct {
	db       *sql.DB
	driver   string
	clock    clock.Clock
	registry *ledger.Registry
}

// New creates the backend. driver selects row-lock syntax: sqlite has a
// single writer and takes no FOR UPDATE clause.
func New(db *sql.DB, driver string, c clock.Clock, registry *ledger.Registry) *Ledger {
	return &Ledger{db: db, driver: driver, clock: c, registry: registry}
}

var _ ledger.Ledger = (*Ledger)(nil)

// forUpdate appends the row-lock clause where the driver supports it.
func (l *Ledger) forUpdate(query string) string {
	if l.driver == "sqlite" {
		return query
	}
	return query + " FOR UPDATE"
}

// CreateAccount registers a liquidity account.
func (l *Ledger) CreateAccount(ctx context.Context, account ledger.Account) error {
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger_accounts (id, kind, asset_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		account.ID.String(), string(account.Kind), account.AssetID.String(), l.clock.Now())
	if err != nil {
		return fmt.Errorf("create ledger account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountExists
	}
	return nil
}

// GetAccount looks an account up by ID.
func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	return l.getAccount(ctx, l.db, id, false)
}

func (l *Ledger) getAccount(ctx context.Context, ex postgres.Executor, id uuid.UUID, lock bool) (ledger.Account, error) {
	query := `SELECT id, kind, asset_id FROM ledger_accounts WHERE id = $1`
	if lock {
		query = l.forUpdate(query)
	}
	var account ledger.Account
	var rawID, kind, rawAsset string
	err := ex.QueryRowContext(ctx, query, id.String()).Scan(&rawID, &kind, &rawAsset)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrUnknownAccount
	}
	if err != nil {
		return ledger.Account{}, err
	}
	account.ID, _ = uuid.Parse(rawID)
	account.Kind = ledger.AccountKind(kind)
	account.AssetID, _ = uuid.Parse(rawAsset)
	return account, nil
}

func (l *Ledger) settlementAccountID(ctx context.Context, ex postgres.Executor, assetID uuid.UUID) (string, error) {
	var id string
	err := ex.QueryRowContext(ctx,
		`SELECT id FROM ledger_accounts WHERE asset_id = $1 AND kind = $2`,
		assetID.String(), string(ledger.KindSettlement)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ledger.ErrUnknownAccount
	}
	return id, err
}

// insertTransfer reserves the transfer row; ErrTransferExists on replay.
func insertTransfer(ctx context.Context, ex postgres.Executor, id uuid.UUID, state, source, dest string, sourceAmount, destAmount uint64, expiresAt *time.Time, now time.Time) error {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO ledger_transfers
			(id, state, source_account_id, destination_account_id,
			 source_amount, destination_amount, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		id.String(), state, source, dest, int64(sourceAmount), int64(destAmount), expiresAt, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrTransferExists
	}
	return nil
}

func adjust(ctx context.Context, ex postgres.Executor, accountID, column string, delta int64) error {
	if !strings.HasPrefix(column, "credits_") && !strings.HasPrefix(column, "debits_") {
		return fmt.Errorf("bad balance column %q", column)
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE ledger_accounts SET `+column+` = `+column+` + $1 WHERE id = $2`,
		delta, accountID)
	return err
}

// available computes posted credits minus posted and pending debits,
// clamped at zero.
func (l *Ledger) available(ctx context.Context, ex postgres.Executor, accountID string, lock bool) (uint64, error) {
	query := `SELECT credits_posted, debits_posted, debits_pending
		 FROM ledger_accounts WHERE id = $1`
	if lock {
		query = l.forUpdate(query)
	}
	var credits, debits, pending int64
	err := ex.QueryRowContext(ctx, query, accountID).Scan(&credits, &debits, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUnknownAccount
	}
	if err != nil {
		return 0, err
	}
	used := debits + pending
	if used >= credits {
		return 0, nil
	}
	return uint64(credits - used), nil
}

// CreateDeposit posts value from the settlement pool into an account.
func (l *Ledger) CreateDeposit(ctx context.Context, d ledger.Deposit) error {
	if d.Amount == 0 {
		return ledger.ErrInvalidAmount
	}

	var account ledger.Account
	var totalReceived int64
	err := postgres.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		account, err = l.getAccount(ctx, tx, d.AccountID, true)
		if err != nil {
			return err
		}
		pool, err := l.settlementAccountID(ctx, tx, account.AssetID)
		if err != nil {
			return err
		}
		if err := insertTransfer(ctx, tx, d.ID, statePosted, pool, account.ID.String(), d.Amount, d.Amount, nil, l.clock.Now()); err != nil {
			return err
		}
		if err := adjust(ctx, tx, pool, "debits_posted", int64(d.Amount)); err != nil {
			return err
		}
		if err := adjust(ctx, tx, account.ID.String(), "credits_posted", int64(d.Amount)); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT credits_posted FROM ledger_accounts WHERE id = $1`,
			account.ID.String()).Scan(&totalReceived)
	})
	if err != nil {
		return err
	}
	return l.registry.OnCredit(ctx, account, uint64(totalReceived))
}

// CreateWithdrawal reserves (or, with zero timeout, posts) a withdrawal.
func (l *Ledger) CreateWithdrawal(ctx context.Context, w ledger.Withdrawal) error {
	if w.Amount == 0 {
		return ledger.ErrInvalidAmount
	}
	return postgres.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := l.sweepExpired(ctx, tx); err != nil {
			return err
		}
		account, err := l.getAccount(ctx, tx, w.AccountID, true)
		if err != nil {
			return err
		}
		pool, err := l.settlementAccountID(ctx, tx, account.AssetID)
		if err != nil {
			return err
		}
		if account.Kind != ledger.KindSettlement {
			avail, err := l.available(ctx, tx, account.ID.String(), false)
			if err != nil {
				return err
			}
			if avail < w.Amount {
				return ledger.ErrInsufficientBalance
			}
		}

		state := statePending
		var expiresAt *time.Time
		if w.Timeout > 0 {
			t := l.clock.Now().Add(w.Timeout)
			expiresAt = &t
		}
		if err := insertTransfer(ctx, tx, w.ID, state, account.ID.String(), pool, w.Amount, w.Amount, expiresAt, l.clock.Now()); err != nil {
			return err
		}
		if err := adjust(ctx, tx, account.ID.String(), "debits_pending", int64(w.Amount)); err != nil {
			return err
		}
		if err := adjust(ctx, tx, pool, "credits_pending", int64(w.Amount)); err != nil {
			return err
		}
		if w.Timeout == 0 {
			return l.postTransferLocked(ctx, tx, w.ID.String())
		}
		return nil
	})
}

// PostWithdrawal commits a pending withdrawal.
func (l *Ledger) PostWithdrawal(ctx context.Context, id uuid.UUID) error {
	_, err := l.resolve(ctx, id, true)
	return err
}

// VoidWithdrawal rolls a pending withdrawal back.
func (l *Ledger) VoidWithdrawal(ctx context.Context, id uuid.UUID) error {
	_, err := l.resolve(ctx, id, false)
	return err
}

// CreateTransfer reserves a pending cross-account transfer.
func (l *Ledger) CreateTransfer(ctx context.Context, t ledger.Transfer) (*ledger.TwoPhase, error) {
	if t.SourceAmount == 0 || t.DestinationAmount == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	err := postgres.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := l.sweepExpired(ctx, tx); err != nil {
			return err
		}
		source, err := l.getAccount(ctx, tx, t.SourceAccountID, true)
		if err != nil {
			return err
		}
		dest, err := l.getAccount(ctx, tx, t.DestinationAccountID, true)
		if err != nil {
			return err
		}
		if source.Kind != ledger.KindSettlement {
			avail, err := l.available(ctx, tx, source.ID.String(), false)
			if err != nil {
				return err
			}
			if avail < t.SourceAmount {
				return ledger.ErrInsufficientBalance
			}
		}

		var expiresAt *time.Time
		if t.Timeout > 0 {
			at := l.clock.Now().Add(t.Timeout)
			expiresAt = &at
		}
		if err := insertTransfer(ctx, tx, t.ID, statePending, source.ID.String(), dest.ID.String(), t.SourceAmount, t.DestinationAmount, expiresAt, l.clock.Now()); err != nil {
			return err
		}
		if err := adjust(ctx, tx, source.ID.String(), "debits_pending", int64(t.SourceAmount)); err != nil {
			return err
		}
		return adjust(ctx, tx, dest.ID.String(), "credits_pending", int64(t.DestinationAmount))
	})
	if err != nil {
		return nil, err
	}

	id := t.ID
	return &ledger.TwoPhase{
		Post: func(ctx context.Context) error {
			credit, err := l.resolve(ctx, id, true)
			if err != nil {
				return err
			}
			return l.fireCredit(ctx, credit)
		},
		Void: func(ctx context.Context) error {
			_, err := l.resolve(ctx, id, false)
			return err
		},
	}, nil
}

// GetBalance returns the available balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID uuid.UUID) (uint64, error) {
	var balance uint64
	err := postgres.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := l.sweepExpired(ctx, tx); err != nil {
			return err
		}
		var err error
		balance, err = l.available(ctx, tx, accountID.String(), false)
		return err
	})
	return balance, err
}

// GetTotalSent returns posted debits.
func (l *Ledger) GetTotalSent(ctx context.Context, accountID uuid.UUID) (uint64, error) {
	return l.column(ctx, accountID, "debits_posted")
}

// GetTotalReceived returns posted credits.
func (l *Ledger) GetTotalReceived(ctx context.Context, accountID uuid.UUID) (uint64, error) {
	return l.column(ctx, accountID, "credits_posted")
}

func (l *Ledger) column(ctx context.Context, accountID uuid.UUID, column string) (uint64, error) {
	var v int64
	err := l.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM ledger_accounts WHERE id = $1`,
		accountID.String()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUnknownAccount
	}
	return uint64(v), err
}

// creditEvent carries hook data out of the resolving transaction.
type creditEvent struct {
	account       ledger.Account
	totalReceived uint64
}

func (l *Ledger) fireCredit(ctx context.Context, credit *creditEvent) error {
	if credit == nil {
		return nil
	}
	return l.registry.OnCredit(ctx, credit.account, credit.totalReceived)
}

// resolve posts or voids a pending transfer. Returns hook data when a
// credit settled on a non-settlement destination.
func (l *Ledger) resolve(ctx context.Context, id uuid.UUID, post bool) (*creditEvent, error) {
	var credit *creditEvent
	err := postgres.RunInTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := l.sweepExpired(ctx, tx); err != nil {
			return err
		}
		var state, destID string
		err := tx.QueryRowContext(ctx,
			l.forUpdate(`SELECT state, destination_account_id FROM ledger_transfers WHERE id = $1`),
			id.String()).Scan(&state, &destID)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrUnknownTransfer
		}
		if err != nil {
			return err
		}
		switch state {
		case statePosted:
			return ledger.ErrAlreadyPosted
		case stateVoided:
			return ledger.ErrAlreadyVoided
		}
		if !post {
			return l.voidTransferLocked(ctx, tx, id.String())
		}
		if err := l.postTransferLocked(ctx, tx, id.String()); err != nil {
			return err
		}

		dest, err := l.getAccount(ctx, tx, uuid.MustParse(destID), false)
		if err != nil {
			return err
		}
		if dest.Kind == ledger.KindSettlement {
			return nil
		}
		var total int64
		if err := tx.QueryRowContext(ctx,
			`SELECT credits_posted FROM ledger_accounts WHERE id = $1`,
			destID).Scan(&total); err != nil {
			return err
		}
		credit = &creditEvent{account: dest, totalReceived: uint64(total)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credit, nil
}

// PostWithdrawal and CreateDeposit never fire hooks for settlement
// credits, so withdrawals resolve through the same path as transfers.

func (l *Ledger) postTransferLocked(ctx context.Context, tx *sql.Tx, id string) error {
	return l.shiftLocked(ctx, tx, id, statePosted)
}

func (l *Ledger) voidTransferLocked(ctx context.Context, tx *sql.Tx, id string) error {
	return l.shiftLocked(ctx, tx, id, stateVoided)
}

// shiftLocked moves a pending transfer to its terminal state and
// adjusts both accounts' columns.
func (l *Ledger) shiftLocked(ctx context.Context, tx *sql.Tx, id, to string) error {
	var source, dest string
	var sourceAmount, destAmount int64
	err := tx.QueryRowContext(ctx,
		`SELECT source_account_id, destination_account_id, source_amount, destination_amount
		 FROM ledger_transfers WHERE id = $1`, id).
		Scan(&source, &dest, &sourceAmount, &destAmount)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_transfers SET state = $1 WHERE id = $2`, to, id); err != nil {
		return err
	}
	if err := adjust(ctx, tx, source, "debits_pending", -sourceAmount); err != nil {
		return err
	}
	if err := adjust(ctx, tx, dest, "credits_pending", -destAmount); err != nil {
		return err
	}
	if to == statePosted {
		if err := adjust(ctx, tx, source, "debits_posted", sourceAmount); err != nil {
			return err
		}
		return adjust(ctx, tx, dest, "credits_posted", destAmount)
	}
	return nil
}

// sweepExpired voids pending transfers past their timeout.
func (l *Ledger) sweepExpired(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx,
		l.forUpdate(`SELECT id FROM ledger_transfers
		 WHERE state = $1 AND expires_at IS NOT NULL AND expires_at <= $2`),
		statePending, l.clock.Now())
	if err != nil {
		return err
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, id := range expired {
		if err := l.voidTransferLocked(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}
