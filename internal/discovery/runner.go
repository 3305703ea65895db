// Package discovery orchestrates a pattern discovery run: load a user's
// transactions, group and split them, score every cluster, and persist the
// accepted candidates in one transaction. The pipeline stages themselves live
// in internal/engine and stay pure; this package owns the I/O around them.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/db"
	"github.com/finpulse/recurrence-engine/internal/engine"
	"github.com/finpulse/recurrence-engine/internal/explain"
	"github.com/finpulse/recurrence-engine/internal/shadow"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Store is the slice of persistence the runner needs.
type Store interface {
	ListUserTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error)
	LinkedTransactionIDs(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]bool, error)
	PersistCandidates(ctx context.Context, userID uuid.UUID, cands []models.PatternCandidate) ([]db.PatternResult, error)
	SetExplanation(ctx context.Context, patternID uuid.UUID, text string) error
}

// Request scopes one discovery run. PayeeID and Direction narrow the
// transaction set when the caller only wants part of the portfolio rescored.
type Request struct {
	UserID    uuid.UUID         `json:"userId"`
	PayeeID   *uuid.UUID        `json:"payeeId,omitempty"`
	Direction *models.Direction `json:"direction,omitempty"`
}

// Result is everything a run produced, rejections included so callers can
// see why a series did not make the cut.
type Result struct {
	Patterns   []db.PatternResult    `json:"patterns"`
	Rejections []engine.Rejection    `json:"rejections"`
	Dropped    []engine.DroppedGroup `json:"droppedGroups"`
	ElapsedMS  int64                 `json:"elapsedMs"`
}

// Progress is the runner's aggregate state for the status endpoint.
type Progress struct {
	Running          bool  `json:"running"`
	ActiveUsers      int   `json:"activeUsers"`
	RunsCompleted    int64 `json:"runsCompleted"`
	GroupsScanned    int64 `json:"groupsScanned"`
	ClustersScored   int64 `json:"clustersScored"`
	PatternsUpserted int64 `json:"patternsUpserted"`
	Rejected         int64 `json:"rejected"`
}

// Runner executes discovery runs. One run per user at a time; concurrent
// requests for the same user are rejected with Conflict rather than queued,
// since the second run would see the same data anyway.
type Runner struct {
	store      Store
	params     engine.Params
	summarizer explain.Summarizer        // optional annotation renderer
	notify     func(models.PatternEvent) // optional broadcast callback
	shadowEval *shadow.Evaluator         // optional A/B splitter comparison
	logger     *zap.Logger

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool

	runsCompleted    atomic.Int64
	groupsScanned    atomic.Int64
	clustersScored   atomic.Int64
	patternsUpserted atomic.Int64
	rejected         atomic.Int64
}

func NewRunner(store Store, params engine.Params, summarizer explain.Summarizer,
	notify func(models.PatternEvent), logger *zap.Logger) *Runner {
	return &Runner{
		store:      store,
		params:     params,
		summarizer: summarizer,
		notify:     notify,
		logger:     logger,
		inFlight:   make(map[uuid.UUID]bool),
	}
}

// AttachShadow turns on side-by-side evaluation of a candidate splitter
// configuration for every subsequent run.
func (r *Runner) AttachShadow(e *shadow.Evaluator) {
	r.shadowEval = e
}

// GetProgress returns the runner's aggregate state (thread-safe).
func (r *Runner) GetProgress() Progress {
	r.mu.Lock()
	active := len(r.inFlight)
	r.mu.Unlock()
	return Progress{
		Running:          active > 0,
		ActiveUsers:      active,
		RunsCompleted:    r.runsCompleted.Load(),
		GroupsScanned:    r.groupsScanned.Load(),
		ClustersScored:   r.clustersScored.Load(),
		PatternsUpserted: r.patternsUpserted.Load(),
		Rejected:         r.rejected.Load(),
	}
}

// Run executes one discovery pass for a user and blocks until it is
// persisted. Re-running over the same data is a no-op: linked transactions
// are excluded up front and upserts converge on the natural key.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := r.begin(req.UserID); err != nil {
		return nil, err
	}
	defer r.end(req.UserID)

	start := time.Now()

	txns, err := r.store.ListUserTransactions(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}
	linked, err := r.store.LinkedTransactionIDs(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading linked set: %w", err)
	}

	filters := engine.GroupFilters{PayeeID: req.PayeeID, Direction: req.Direction}
	groups, dropped := engine.BuildCandidateGroups(txns, linked, filters, r.params.MinClusterSize)
	r.groupsScanned.Add(int64(len(groups)))

	var (
		cands      []models.PatternCandidate
		rejections []engine.Rejection
	)
	for _, g := range groups {
		clusters, droppedClusters := engine.SplitClusters(g, r.params)
		dropped = append(dropped, droppedClusters...)
		for _, c := range clusters {
			r.clustersScored.Add(1)
			cand, rej := engine.DiscoverPattern(c, r.params)
			if rej != nil {
				rejections = append(rejections, *rej)
				continue
			}
			cands = append(cands, *cand)
		}
	}
	r.rejected.Add(int64(len(rejections)))

	results, err := r.store.PersistCandidates(ctx, req.UserID, cands)
	if err != nil {
		return nil, fmt.Errorf("persisting candidates: %w", err)
	}
	r.patternsUpserted.Add(int64(len(results)))
	r.runsCompleted.Add(1)

	for _, res := range results {
		r.announce(res)
		r.annotate(ctx, res.Pattern)
	}

	if r.shadowEval != nil {
		// detached: the comparison must never delay or fail a run
		go r.shadowEval.EvaluateUser(context.Background(), txns, linked)
	}

	r.logger.Info("discovery run complete",
		zap.String("user_id", req.UserID.String()),
		zap.Int("transactions", len(txns)),
		zap.Int("groups", len(groups)),
		zap.Int("patterns", len(results)),
		zap.Int("rejections", len(rejections)),
		zap.Duration("elapsed", time.Since(start)))

	return &Result{
		Patterns:   results,
		Rejections: rejections,
		Dropped:    dropped,
		ElapsedMS:  time.Since(start).Milliseconds(),
	}, nil
}

func (r *Runner) begin(userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[userID] {
		return fmt.Errorf("%w: discovery already running for user %s", models.ErrConflict, userID)
	}
	r.inFlight[userID] = true
	return nil
}

func (r *Runner) end(userID uuid.UUID) {
	r.mu.Lock()
	delete(r.inFlight, userID)
	r.mu.Unlock()
}

func (r *Runner) announce(res db.PatternResult) {
	if r.notify == nil {
		return
	}
	typ := models.EventPatternUpdated
	if res.Created {
		typ = models.EventPatternDiscovered
	}
	r.notify(models.PatternEvent{
		Type:      typ,
		UserID:    res.Pattern.UserID,
		PatternID: res.Pattern.ID,
		PayeeID:   res.Pattern.PayeeID,
		Status:    res.Pattern.Status,
		Detail:    string(res.Pattern.Case),
		Timestamp: time.Now().UTC(),
	})
}

// annotate renders and stores the explanation. Failures are logged and
// swallowed: the annotation is advisory and must never fail a run.
func (r *Runner) annotate(ctx context.Context, p models.Pattern) {
	if r.summarizer == nil {
		return
	}
	text, err := r.summarizer.Summarize(ctx, p)
	if err != nil {
		r.logger.Warn("annotation failed", zap.String("pattern_id", p.ID.String()), zap.Error(err))
		return
	}
	if err := r.store.SetExplanation(ctx, p.ID, text); err != nil {
		r.logger.Warn("annotation not stored", zap.String("pattern_id", p.ID.String()), zap.Error(err))
	}
}
