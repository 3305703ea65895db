package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/db"
	"github.com/finpulse/recurrence-engine/internal/engine"
	"github.com/finpulse/recurrence-engine/internal/explain"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// memStore is an in-memory stand-in for the Postgres store implementing the
// same natural-key upsert contract: updates keep the id and bump the
// detection version, links only ever grow.
type memStore struct {
	mu       sync.Mutex
	txns     []models.Transaction
	patterns []models.Pattern
	links    map[uuid.UUID]map[uuid.UUID]bool // pattern -> transaction set
	notes    map[uuid.UUID]string
	block    chan struct{} // when set, PersistCandidates waits on it
}

func newMemStore() *memStore {
	return &memStore{
		links: make(map[uuid.UUID]map[uuid.UUID]bool),
		notes: make(map[uuid.UUID]string),
	}
}

func (m *memStore) ListUserTransactions(_ context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, txn := range m.txns {
		if txn.UserID == userID {
			out = append(out, txn)
		}
	}
	return out, nil
}

func (m *memStore) LinkedTransactionIDs(_ context.Context, _ uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	linked := make(map[uuid.UUID]bool)
	for _, set := range m.links {
		for id := range set {
			linked[id] = true
		}
	}
	return linked, nil
}

func (m *memStore) PersistCandidates(_ context.Context, _ uuid.UUID, cands []models.PatternCandidate) ([]db.PatternResult, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]db.PatternResult, 0, len(cands))
	for _, cand := range cands {
		idx := m.findNaturalKey(cand)
		if idx >= 0 {
			p := &m.patterns[idx]
			p.IntervalDays = cand.IntervalDays
			p.Case = cand.Case
			p.AmountBehavior = cand.AmountBehavior
			p.RepresentativeAmount = cand.RepresentativeAmount
			p.Confidence = cand.Confidence
			p.DetectionVersion++
			p.LastEvaluatedAt = time.Now().UTC()
			m.addLinks(p.ID, cand.TransactionIDs)
			results = append(results, db.PatternResult{Pattern: *p, Created: false})
			continue
		}

		p := models.Pattern{
			ID:                   uuid.New(),
			UserID:               cand.Key.UserID,
			PayeeID:              cand.Key.PayeeID,
			Direction:            cand.Key.Direction,
			CurrencyID:           cand.Key.CurrencyID,
			IntervalDays:         cand.IntervalDays,
			Case:                 cand.Case,
			AmountBehavior:       cand.AmountBehavior,
			RepresentativeAmount: cand.RepresentativeAmount,
			AmountMin:            cand.AmountMin,
			AmountMax:            cand.AmountMax,
			DayOfMonthHint:       cand.DayOfMonthHint,
			Status:               models.StatusActive,
			Confidence:           cand.Confidence,
			DetectionVersion:     1,
			LastEvaluatedAt:      time.Now().UTC(),
		}
		m.patterns = append(m.patterns, p)
		m.addLinks(p.ID, cand.TransactionIDs)
		results = append(results, db.PatternResult{Pattern: p, Created: true})
	}
	return results, nil
}

func (m *memStore) findNaturalKey(cand models.PatternCandidate) int {
	for i, p := range m.patterns {
		if p.Key() != cand.Key {
			continue
		}
		if cand.RepresentativeAmount.Sub(p.RepresentativeAmount).Abs().GreaterThan(p.BandTolerance()) {
			continue
		}
		return i
	}
	return -1
}

func (m *memStore) addLinks(patternID uuid.UUID, txIDs []uuid.UUID) {
	set := m.links[patternID]
	if set == nil {
		set = make(map[uuid.UUID]bool)
		m.links[patternID] = set
	}
	for _, id := range txIDs {
		set[id] = true
	}
}

func (m *memStore) SetExplanation(_ context.Context, patternID uuid.UUID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes[patternID] = text
	return nil
}

func (m *memStore) linkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.links {
		n += len(set)
	}
	return n
}

var runnerUser = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func storeTxn(payee uuid.UUID, occurred time.Time, amount float64) models.Transaction {
	return models.Transaction{
		ID:         uuid.New(),
		UserID:     runnerUser,
		PayeeID:    payee,
		Direction:  models.DirectionDebit,
		CurrencyID: "INR",
		OccurredAt: occurred,
		Amount:     decimal.NewFromFloat(amount),
	}
}

// seedChitHistory loads nine debits to one payee forming three monthly
// schedules near days 2, 8 and 13.
func seedChitHistory(store *memStore) uuid.UUID {
	payee := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	for month := 10; month <= 12; month++ {
		store.txns = append(store.txns,
			storeTxn(payee, time.Date(2025, time.Month(month), 2, 0, 0, 0, 0, time.UTC), 8500),
			storeTxn(payee, time.Date(2025, time.Month(month), 8, 0, 0, 0, 0, time.UTC), 4300),
			storeTxn(payee, time.Date(2025, time.Month(month), 13, 0, 0, 0, 0, time.UTC), 2400),
		)
	}
	return payee
}

func newTestRunner(store Store) *Runner {
	return NewRunner(store, engine.DefaultParams(), explain.NewTemplateSummarizer(), nil, zap.NewNop())
}

func TestRunDiscoversMultipleSeriesPerPayee(t *testing.T) {
	store := newMemStore()
	seedChitHistory(store)
	r := newTestRunner(store)

	res, err := r.Run(context.Background(), Request{UserID: runnerUser})
	require.NoError(t, err)

	require.Len(t, res.Patterns, 3)
	for _, pr := range res.Patterns {
		assert.True(t, pr.Created)
		assert.True(t, pr.Pattern.Case.Monthly())
		assert.NotEmpty(t, store.notes[pr.Pattern.ID], "every pattern gets its annotation")
	}
	assert.Equal(t, 9, store.linkCount())
}

// Re-running over unchanged data neither creates patterns nor touches links:
// every transaction is already linked, so the groups never reach the
// splitter. Links are monotonic across runs by construction.
func TestRunIsIdempotent(t *testing.T) {
	store := newMemStore()
	seedChitHistory(store)
	r := newTestRunner(store)

	first, err := r.Run(context.Background(), Request{UserID: runnerUser})
	require.NoError(t, err)
	require.Len(t, first.Patterns, 3)
	linksAfterFirst := store.linkCount()

	second, err := r.Run(context.Background(), Request{UserID: runnerUser})
	require.NoError(t, err)
	assert.Empty(t, second.Patterns)
	assert.Empty(t, second.Rejections)
	assert.Equal(t, linksAfterFirst, store.linkCount(), "links never shrink or grow on a no-op run")
	assert.Len(t, store.patterns, 3)
}

// A payee with too little history is reported, not silently skipped.
func TestRunReportsDroppedGroups(t *testing.T) {
	store := newMemStore()
	payee := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	store.txns = append(store.txns,
		storeTxn(payee, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), 600),
		storeTxn(payee, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), 600),
	)
	r := newTestRunner(store)

	res, err := r.Run(context.Background(), Request{UserID: runnerUser})
	require.NoError(t, err)
	assert.Empty(t, res.Patterns)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, engine.RejectTooFew, res.Dropped[0].Reason)
}

func TestRunFiltersByPayee(t *testing.T) {
	store := newMemStore()
	chitPayee := seedChitHistory(store)
	other := uuid.MustParse("44444444-4444-4444-4444-444444444444")
	for month := 10; month <= 12; month++ {
		store.txns = append(store.txns,
			storeTxn(other, time.Date(2025, time.Month(month), 20, 0, 0, 0, 0, time.UTC), 1500))
	}
	r := newTestRunner(store)

	res, err := r.Run(context.Background(), Request{UserID: runnerUser, PayeeID: &other})
	require.NoError(t, err)
	require.Len(t, res.Patterns, 1)
	assert.Equal(t, other, res.Patterns[0].Pattern.PayeeID)
	_ = chitPayee // untouched by the filtered run
}

// A second request for a user whose run is still in flight conflicts
// instead of queueing.
func TestRunRejectsConcurrentRunForSameUser(t *testing.T) {
	store := newMemStore()
	seedChitHistory(store)
	store.block = make(chan struct{})
	r := newTestRunner(store)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Request{UserID: runnerUser})
		done <- err
	}()

	// Wait for the first run to reach the persistence barrier.
	require.Eventually(t, func() bool {
		return r.GetProgress().Running
	}, time.Second, 5*time.Millisecond)

	_, err := r.Run(context.Background(), Request{UserID: runnerUser})
	assert.ErrorIs(t, err, models.ErrConflict)

	close(store.block)
	require.NoError(t, <-done)
}
