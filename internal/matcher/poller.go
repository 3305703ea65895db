package matcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// CheckpointStore is the slice of persistence the poller needs.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context) (time.Time, uuid.UUID, error)
	SaveCheckpoint(ctx context.Context, at time.Time, id uuid.UUID) error
	ListArrivals(ctx context.Context, after time.Time, afterID uuid.UUID, limit int) ([]models.Transaction, error)
}

// Poller drives the matcher from the transactions table. Everything inserted
// after the saved checkpoint gets enqueued, so restarts and transactions
// whose synchronous handoff was lost catch up without replaying history. The
// checkpoint advances only after a successful enqueue, which makes delivery
// at-least-once; the matcher's idempotence absorbs the duplicates.
type Poller struct {
	store    CheckpointStore
	disp     *Dispatcher
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

func NewPoller(store CheckpointStore, disp *Dispatcher, interval time.Duration, batch int, logger *zap.Logger) *Poller {
	return &Poller{
		store:    store,
		disp:     disp,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried on
// the next tick rather than crashing the loop.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("matcher poller started",
		zap.Duration("interval", p.interval), zap.Int("batch", p.batch))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("matcher poller stopped")
			return
		case <-ticker.C:
			if err := p.poll(ctx); err != nil {
				p.logger.Warn("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// poll drains everything newer than the checkpoint in batches. On queue
// backpressure the cursor is saved where it stands and the rest waits for
// the next tick.
func (p *Poller) poll(ctx context.Context) error {
	at, id, err := p.store.LoadCheckpoint(ctx)
	if err != nil {
		return err
	}

	for {
		txns, err := p.store.ListArrivals(ctx, at, id, p.batch)
		if err != nil {
			return err
		}
		if len(txns) == 0 {
			return nil
		}

		for _, txn := range txns {
			if err := p.disp.Enqueue(txn); err != nil {
				p.logger.Warn("enqueue backpressure, deferring remainder", zap.Error(err))
				return p.store.SaveCheckpoint(ctx, at, id)
			}
			at, id = txn.CreatedAt, txn.ID
		}

		if err := p.store.SaveCheckpoint(ctx, at, id); err != nil {
			return err
		}
		if len(txns) < p.batch {
			return nil
		}
	}
}
