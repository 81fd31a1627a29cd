package event

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/clock"
)

// DispatcherConfig tunes webhook delivery.
type DispatcherConfig struct {
	// URL receives every event as a JSON POST.
	URL string

	// Timeout bounds one delivery attempt.
	Timeout time.Duration

	// RetryBackoff is the base of the exponential reschedule:
	// backoff = RetryBackoff × 2^attempts, capped at MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// MaxAttempts retires an event after this many failed deliveries.
	MaxAttempts int

	BatchSize int
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = time.Hour
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
}

// Dispatcher is the webhook delivery worker.
type Dispatcher struct {
	db     *sql.DB
	cfg    DispatcherConfig
	client *http.Client
	clock  clock.Clock
	log    *zap.Logger
}

// NewDispatcher creates a dispatcher. An http.Client may be supplied
// for tests; nil gets a default with the configured timeout.
func NewDispatcher(db *sql.DB, cfg DispatcherConfig, client *http.Client, c clock.Clock, log *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Dispatcher{db: db, cfg: cfg, client: client, clock: c, log: log}
}

// envelope is the delivered body.
type envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Tick delivers one batch of due events. Returns the number of events
// processed so the poll loop can tighten its interval while backlogged.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	now := d.clock.Now()
	events, err := Due(ctx, d.db, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due events: %w", err)
	}
	for _, ev := range events {
		d.deliver(ctx, ev)
	}
	return len(events), nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	statusCode, err := d.post(ctx, ev)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		if err := MarkAttempt(ctx, d.db, ev.ID, statusCode, nil); err != nil {
			d.log.Error("mark webhook delivered", zap.String("event", ev.ID.String()), zap.Error(err))
		}
		return
	}

	attempts := ev.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		d.log.Warn("webhook delivery abandoned",
			zap.String("event", ev.ID.String()),
			zap.String("type", ev.Type),
			zap.Int("attempts", attempts),
			zap.Int("status", statusCode),
			zap.Error(err))
		if err := MarkAttempt(ctx, d.db, ev.ID, statusCode, nil); err != nil {
			d.log.Error("retire webhook event", zap.String("event", ev.ID.String()), zap.Error(err))
		}
		return
	}

	backoff := d.backoff(ev.Attempts)
	next := d.clock.Now().Add(backoff)
	d.log.Info("webhook delivery failed",
		zap.String("event", ev.ID.String()),
		zap.Int("attempts", attempts),
		zap.Int("status", statusCode),
		zap.Duration("retry_in", backoff),
		zap.Error(err))
	if err := MarkAttempt(ctx, d.db, ev.ID, statusCode, &next); err != nil {
		d.log.Error("reschedule webhook event", zap.String("event", ev.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.RetryBackoff
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return backoff
}

func (d *Dispatcher) post(ctx context.Context, ev Event) (int, error) {
	body, err := json.Marshal(envelope{ID: ev.ID.String(), Type: ev.Type, Data: ev.Data})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
