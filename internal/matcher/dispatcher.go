package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Store is the slice of persistence the dispatcher needs.
type Store interface {
	TransactionLinked(ctx context.Context, txID uuid.UUID) (bool, error)
	MatchSnapshot(ctx context.Context, key models.PatternKey) ([]models.PatternMatchState, error)
	ApplyMatch(ctx context.Context, res models.MatchResult) error
	RecordDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// DispatchConfig tunes the worker pool around the decision core.
type DispatchConfig struct {
	Shards      int           `yaml:"shards"`
	QueueDepth  int           `yaml:"queueDepth"`
	MaxAttempts int           `yaml:"maxAttempts"`
	JobTimeout  time.Duration `yaml:"jobTimeout"`
	RetryBase   time.Duration `yaml:"retryBase"`
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Shards:      8,
		QueueDepth:  256,
		MaxAttempts: 5,
		JobTimeout:  30 * time.Second,
		RetryBase:   100 * time.Millisecond,
	}
}

// Dispatcher fans matcher jobs across shard workers. Jobs for one series key
// always land on the same shard, so decisions for a key run one at a time in
// arrival order; the row locks at apply time guard against other processes.
type Dispatcher struct {
	store  Store
	cfg    Config
	dcfg   DispatchConfig
	notify func(models.PatternEvent) // optional broadcast callback
	logger *zap.Logger

	queues []chan models.Transaction
	wg     sync.WaitGroup

	processed    atomic.Int64
	matched      atomic.Int64
	deadLettered atomic.Int64
}

// DispatchStats is the dispatcher's counters for the ops surface.
type DispatchStats struct {
	Processed    int64 `json:"processed"`
	Matched      int64 `json:"matched"`
	DeadLettered int64 `json:"deadLettered"`
}

func NewDispatcher(store Store, cfg Config, dcfg DispatchConfig,
	notify func(models.PatternEvent), logger *zap.Logger) *Dispatcher {
	queues := make([]chan models.Transaction, dcfg.Shards)
	for i := range queues {
		queues[i] = make(chan models.Transaction, dcfg.QueueDepth)
	}
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		dcfg:   dcfg,
		notify: notify,
		logger: logger,
		queues: queues,
	}
}

// Start launches one worker per shard. Workers exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("matcher dispatcher started", zap.Int("shards", len(d.queues)))
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// GetStats returns the dispatcher's counters (thread-safe).
func (d *Dispatcher) GetStats() DispatchStats {
	return DispatchStats{
		Processed:    d.processed.Load(),
		Matched:      d.matched.Load(),
		DeadLettered: d.deadLettered.Load(),
	}
}

// Enqueue hands a transaction to its shard. A full queue pushes back with
// Retryable instead of blocking the producer; the poller re-reads from its
// checkpoint on the next tick anyway.
func (d *Dispatcher) Enqueue(txn models.Transaction) error {
	shard := txn.Key().Shard(len(d.queues))
	select {
	case d.queues[shard] <- txn:
		return nil
	default:
		return fmt.Errorf("%w: matcher queue %d full", models.ErrRetryable, shard)
	}
}

func (d *Dispatcher) worker(ctx context.Context, shard int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			d.drain(shard)
			return
		case txn := <-d.queues[shard]:
			d.process(ctx, txn)
		}
	}
}

// drain finishes the shard's buffered jobs after cancellation. The poller's
// checkpoint has already moved past everything enqueued, so abandoning the
// backlog would lose it for good; each job still runs under its own deadline
// and failures dead-letter as usual.
func (d *Dispatcher) drain(shard int) {
	for {
		select {
		case txn := <-d.queues[shard]:
			d.process(context.Background(), txn)
		default:
			return
		}
	}
}

// process runs one job under a deadline with bounded retries. Conflicts and
// transient store failures back off and retry on a fresh snapshot; anything
// else, and retry exhaustion, lands in the dead letter table for re-driving.
func (d *Dispatcher) process(ctx context.Context, txn models.Transaction) {
	jobCtx, cancel := context.WithTimeout(ctx, d.dcfg.JobTimeout)
	defer cancel()

	attempts := 0
	var lastErr error
	for attempts < d.dcfg.MaxAttempts {
		attempts++
		lastErr = d.attempt(jobCtx, txn)
		if lastErr == nil {
			d.processed.Add(1)
			return
		}
		if !errors.Is(lastErr, models.ErrRetryable) && !errors.Is(lastErr, models.ErrConflict) {
			break
		}
		if !sleepCtx(jobCtx, backoffDelay(d.dcfg.RetryBase, attempts)) {
			lastErr = fmt.Errorf("job deadline exceeded: %w", lastErr)
			break
		}
	}

	d.deadLettered.Add(1)
	d.logger.Error("matcher job dead-lettered",
		zap.String("transaction_id", txn.ID.String()),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	// A fresh context: the job context may already be dead.
	dlCtx, dlCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dlCancel()
	if err := d.store.RecordDeadLetter(dlCtx, models.DeadLetter{
		TransactionID: txn.ID,
		Attempts:      attempts,
		LastError:     lastErr.Error(),
	}); err != nil {
		d.logger.Error("dead letter not recorded",
			zap.String("transaction_id", txn.ID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) attempt(ctx context.Context, txn models.Transaction) error {
	linked, err := d.store.TransactionLinked(ctx, txn.ID)
	if err != nil {
		return err
	}
	if linked {
		// redelivery of an already consumed transaction
		return nil
	}

	states, err := d.store.MatchSnapshot(ctx, txn.Key())
	if err != nil {
		return err
	}

	res := Decide(states, txn, d.cfg)
	if res.Empty() {
		return nil
	}
	if err := d.store.ApplyMatch(ctx, res); err != nil {
		return err
	}
	if _, ok := res.Fulfilled(); ok {
		d.matched.Add(1)
	}
	d.emit(states, res, txn)
	return nil
}

// emit translates an applied result into broadcast events.
func (d *Dispatcher) emit(states []models.PatternMatchState, res models.MatchResult, txn models.Transaction) {
	if d.notify == nil {
		return
	}
	prior := make(map[uuid.UUID]models.PatternStatus, len(states))
	for _, st := range states {
		prior[st.Pattern.ID] = st.Pattern.Status
	}
	now := time.Now().UTC()

	base := func(typ models.EventType, m models.PatternMutation) models.PatternEvent {
		return models.PatternEvent{
			Type:      typ,
			UserID:    txn.UserID,
			PatternID: m.PatternID,
			PayeeID:   txn.PayeeID,
			Status:    m.Status,
			Timestamp: now,
		}
	}

	for _, m := range res.Mutations {
		for _, op := range m.Ops {
			switch {
			case op.MarkMissed != nil:
				ev := base(models.EventObligationMissed, m)
				ev.ObligationID = op.MarkMissed
				d.notify(ev)
			case op.Fulfil != nil:
				ev := base(models.EventObligationFulfilled, m)
				oid, tid := op.Fulfil.ObligationID, txn.ID
				ev.ObligationID = &oid
				ev.TransactionID = &tid
				d.notify(ev)
			}
		}
		if m.Repaired {
			d.notify(base(models.EventPatternRepaired, m))
		}
		if was := prior[m.PatternID]; was != m.Status {
			ev := base(models.EventPatternStatusChange, m)
			ev.Detail = string(was) + " -> " + string(m.Status)
			d.notify(ev)
		}
	}
}

// backoffDelay grows exponentially with up to 50% jitter so colliding
// retries de-synchronise.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt-1)
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// sleepCtx waits out the delay unless the context dies first.
func sleepCtx(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
