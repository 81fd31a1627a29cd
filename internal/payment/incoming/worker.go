package incoming

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/clock"
)

// ExpiryWorker moves payments past their deadline to Expired.
type ExpiryWorker struct {
	service   *Service
	clock     clock.Clock
	log       *zap.Logger
	batchSize int
}

func NewExpiryWorker(service *Service, c clock.Clock, log *zap.Logger) *ExpiryWorker {
	return &ExpiryWorker{service: service, clock: c, log: log, batchSize: 20}
}

// Tick expires one batch; returns how many payments it touched.
func (w *ExpiryWorker) Tick(ctx context.Context) (int, error) {
	due, err := w.service.ListExpired(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired incoming payments: %w", err)
	}
	for _, p := range due {
		if _, err := w.service.Expire(ctx, p); err != nil {
			w.log.Error("expire incoming payment",
				zap.String("payment", p.ID.String()),
				zap.Error(err))
		}
	}
	return len(due), nil
}
