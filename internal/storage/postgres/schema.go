package postgres

import (
	"context"
	"database/sql"
)

// Schema DDL. Identifiers are TEXT UUIDs and amounts are BIGINT so the
// same statements run on both postgres and the sqlite dev driver.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		scale SMALLINT NOT NULL,
		withdrawal_threshold BIGINT,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (code, scale)
	)`,
	`CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id),
		static_ilp_address TEXT NOT NULL,
		max_packet_amount BIGINT,
		http_outgoing_url TEXT NOT NULL,
		http_outgoing_token TEXT NOT NULL,
		http_incoming_tokens TEXT NOT NULL,
		liquidity_threshold BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_addresses (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		asset_id TEXT NOT NULL REFERENCES assets(id),
		public_name TEXT,
		total_events_amount BIGINT NOT NULL DEFAULT 0,
		process_at TIMESTAMPTZ,
		deactivated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS incoming_payments (
		id TEXT PRIMARY KEY,
		wallet_address_id TEXT NOT NULL REFERENCES wallet_addresses(id),
		asset_id TEXT NOT NULL REFERENCES assets(id),
		state TEXT NOT NULL,
		incoming_amount BIGINT,
		received_amount BIGINT NOT NULL DEFAULT 0,
		expires_at TIMESTAMPTZ NOT NULL,
		connection_id TEXT,
		metadata TEXT,
		process_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS incoming_payments_process_at_idx
		ON incoming_payments (process_at) WHERE process_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS fees (
		id TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL REFERENCES assets(id),
		type TEXT NOT NULL,
		fixed BIGINT NOT NULL,
		basis_points INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS fees_asset_type_idx
		ON fees (asset_id, type, created_at)`,
	`CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		wallet_address_id TEXT NOT NULL REFERENCES wallet_addresses(id),
		asset_id TEXT NOT NULL REFERENCES assets(id),
		receiver TEXT NOT NULL,
		debit_amount BIGINT NOT NULL,
		receive_amount_value BIGINT NOT NULL,
		receive_amount_code TEXT NOT NULL,
		receive_amount_scale SMALLINT NOT NULL,
		max_packet_amount BIGINT NOT NULL,
		min_exchange_rate TEXT NOT NULL,
		low_estimated_exchange_rate TEXT NOT NULL,
		high_estimated_exchange_rate TEXT NOT NULL,
		fee_id TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		client TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outgoing_payment_grants (
		id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS outgoing_payments (
		id TEXT PRIMARY KEY REFERENCES quotes(id),
		wallet_address_id TEXT NOT NULL REFERENCES wallet_addresses(id),
		quote_id TEXT NOT NULL UNIQUE REFERENCES quotes(id),
		state TEXT NOT NULL,
		sent_amount BIGINT NOT NULL DEFAULT 0,
		state_attempts INT NOT NULL DEFAULT 0,
		error TEXT,
		peer_id TEXT,
		grant_id TEXT REFERENCES outgoing_payment_grants(id),
		metadata TEXT,
		client TEXT,
		process_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS outgoing_payments_process_at_idx
		ON outgoing_payments (process_at) WHERE process_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS outgoing_payments_grant_idx
		ON outgoing_payments (grant_id) WHERE grant_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		data TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		status_code INT,
		process_at TIMESTAMPTZ,
		withdrawal_account_id TEXT,
		withdrawal_asset_id TEXT,
		withdrawal_amount BIGINT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS webhook_events_process_at_idx
		ON webhook_events (process_at) WHERE process_at IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		operation TEXT NOT NULL,
		key TEXT NOT NULL,
		result TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (operation, key)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		credits_posted BIGINT NOT NULL DEFAULT 0,
		credits_pending BIGINT NOT NULL DEFAULT 0,
		debits_posted BIGINT NOT NULL DEFAULT 0,
		debits_pending BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_accounts_settlement_idx
		ON ledger_accounts (asset_id) WHERE kind = 'settlement'`,
	`CREATE TABLE IF NOT EXISTS ledger_transfers (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		source_account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
		destination_account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
		source_amount BIGINT NOT NULL,
		destination_amount BIGINT NOT NULL,
		expires_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_transfers_pending_idx
		ON ledger_transfers (expires_at) WHERE state = 'pending'`,
}

// InitSchema creates all tables. Statements are idempotent so startup
// can run them unconditionally.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
