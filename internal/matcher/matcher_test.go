package matcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	testUser  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testPayee = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

// patternID derives a stable, ordered id so tie-break tests are exact.
func patternID(n byte) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%02x000000-0000-0000-0000-000000000000", n))
}

func monthlyPattern(n byte, repr float64, interval int) models.Pattern {
	amount := decimal.NewFromFloat(repr)
	return models.Pattern{
		ID:                   patternID(n),
		UserID:               testUser,
		PayeeID:              testPayee,
		Direction:            models.DirectionDebit,
		CurrencyID:           "INR",
		IntervalDays:         interval,
		Case:                 models.CaseFixedMonthly,
		AmountBehavior:       models.AmountFixed,
		RepresentativeAmount: amount,
		AmountMin:            amount,
		AmountMax:            amount,
		Status:               models.StatusActive,
		Confidence:           0.9,
	}
}

func expectedOn(p models.Pattern, date time.Time) *models.Obligation {
	return &models.Obligation{
		ID:                uuid.New(),
		PatternID:         p.ID,
		ExpectedDate:      date,
		ToleranceDays:     models.ToleranceDays(p.Case, p.IntervalDays),
		ExpectedMinAmount: p.RepresentativeAmount,
		ExpectedMaxAmount: p.RepresentativeAmount,
		Status:            models.ObligationExpected,
	}
}

func stateOf(p models.Pattern, o *models.Obligation, lastActual time.Time) models.PatternMatchState {
	la := lastActual
	return models.PatternMatchState{
		Pattern: p,
		Streak: models.PatternStreak{
			PatternID:            p.ID,
			CurrentStreak:        3,
			LongestStreak:        3,
			LastActualDate:       &la,
			ConfidenceMultiplier: 1.0,
		},
		Expected:      o,
		RecentAmounts: []decimal.Decimal{p.RepresentativeAmount, p.RepresentativeAmount, p.RepresentativeAmount},
	}
}

func arrival(date time.Time, amount float64) models.Transaction {
	return models.Transaction{
		ID:         uuid.New(),
		UserID:     testUser,
		PayeeID:    testPayee,
		Direction:  models.DirectionDebit,
		CurrencyID: "INR",
		OccurredAt: date,
		Amount:     decimal.NewFromFloat(amount),
	}
}

// resolveCreateBalance checks the structural half of the one-expected
// invariant: every resolved obligation is followed by a replacement, so the
// ops leave exactly one live expectation.
func resolveCreateBalance(t *testing.T, m models.PatternMutation) {
	t.Helper()
	var resolves, creates int
	for _, op := range m.Ops {
		switch {
		case op.MarkMissed != nil, op.Fulfil != nil:
			resolves++
		case op.Create != nil:
			creates++
		}
	}
	assert.Equal(t, resolves, creates, "every resolve rolls exactly one replacement")
	if len(m.Ops) > 0 {
		assert.NotNil(t, m.Ops[len(m.Ops)-1].Create, "ops end with the live expectation")
	}
}

// A payment skips January entirely; the February arrival first exposes the
// January miss, then fulfils February, and the pattern recovers in place.
func TestDecideLazyMissThenFulfil(t *testing.T) {
	p := monthlyPattern(0x01, 4300, 31)
	oJan := expectedOn(p, day(2026, 1, 8))
	st := stateOf(p, oJan, day(2025, 12, 8))

	txn := arrival(day(2026, 2, 8), 4300)
	res := Decide([]models.PatternMatchState{st}, txn, DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	resolveCreateBalance(t, m)
	require.Len(t, m.Ops, 4)

	// January missed.
	require.NotNil(t, m.Ops[0].MarkMissed)
	assert.Equal(t, oJan.ID, *m.Ops[0].MarkMissed)

	// Rolled to February: January's date plus the interval, and that is the
	// obligation the arrival fulfils.
	require.NotNil(t, m.Ops[1].Create)
	assert.Equal(t, day(2026, 2, 8), m.Ops[1].Create.ExpectedDate)
	require.NotNil(t, m.Ops[2].Fulfil)
	assert.Equal(t, m.Ops[1].Create.ID, m.Ops[2].Fulfil.ObligationID)
	assert.Equal(t, txn.ID, m.Ops[2].Fulfil.TransactionID)
	assert.Equal(t, 0, m.Ops[2].Fulfil.DaysEarly)

	// Next expectation anchors on February's expected date.
	require.NotNil(t, m.Ops[3].Create)
	assert.Equal(t, day(2026, 3, 11), m.Ops[3].Create.ExpectedDate)

	// Fulfilment wins over the intermediate miss state.
	assert.Equal(t, 1, m.Streak.CurrentStreak)
	assert.Equal(t, 3, m.Streak.LongestStreak)
	assert.Equal(t, 0, m.Streak.MissedCount)
	assert.InDelta(t, 0.90, m.Streak.ConfidenceMultiplier, 1e-9)
	assert.Equal(t, models.StatusActive, m.Status)
	assert.True(t, m.Linked)
}

// A miss with no matching arrival: the sweep alone degrades the streak.
func TestDecideMissOnly(t *testing.T) {
	p := monthlyPattern(0x01, 4300, 31)
	oJan := expectedOn(p, day(2026, 1, 8))
	st := stateOf(p, oJan, day(2025, 12, 8))

	// Arrives outside February's window too (off-schedule extra payment).
	txn := arrival(day(2026, 1, 25), 4300)
	res := Decide([]models.PatternMatchState{st}, txn, DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	resolveCreateBalance(t, m)
	require.Len(t, m.Ops, 2)
	assert.NotNil(t, m.Ops[0].MarkMissed)

	assert.Equal(t, 0, m.Streak.CurrentStreak)
	assert.Equal(t, 1, m.Streak.MissedCount)
	assert.InDelta(t, 0.85, m.Streak.ConfidenceMultiplier, 1e-9)
	assert.Equal(t, models.StatusActive, m.Status, "one miss keeps the pattern active")
	assert.False(t, m.Linked)

	_, fulfilled := res.Fulfilled()
	assert.False(t, fulfilled)
}

// Interval closure: the next expectation is expected_date + interval, never
// anchored on when the payment actually arrived.
func TestDecideRollAnchorsOnExpectedDate(t *testing.T) {
	p := monthlyPattern(0x01, 1500, 30)
	o := expectedOn(p, day(2026, 1, 10))
	st := stateOf(p, o, day(2025, 12, 11))

	txn := arrival(day(2026, 1, 12), 1500) // two days late, inside tolerance
	res := Decide([]models.PatternMatchState{st}, txn, DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	require.Len(t, m.Ops, 2)
	require.NotNil(t, m.Ops[0].Fulfil)
	assert.Equal(t, -2, m.Ops[0].Fulfil.DaysEarly)
	require.NotNil(t, m.Ops[1].Create)
	assert.Equal(t, day(2026, 2, 9), m.Ops[1].Create.ExpectedDate)

	lastExpected := m.Streak.LastExpectedDate
	require.NotNil(t, lastExpected)
	assert.Equal(t, day(2026, 1, 10), *lastExpected)
}

// Amount is never a match criterion: a wildly off-band amount inside the date
// window still fulfils.
func TestDecideAmountAgnostic(t *testing.T) {
	p := monthlyPattern(0x01, 1500, 30)
	o := expectedOn(p, day(2026, 1, 10))
	st := stateOf(p, o, day(2025, 12, 11))

	res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 1, 10), 999999), DefaultConfig())

	id, fulfilled := res.Fulfilled()
	assert.True(t, fulfilled)
	assert.Equal(t, p.ID, id)
}

// StrictAmount flips the default: an off-window amount no longer fulfils.
func TestDecideStrictAmount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StrictAmount = true

	p := monthlyPattern(0x01, 1500, 30)

	res := Decide([]models.PatternMatchState{
		stateOf(p, expectedOn(p, day(2026, 1, 10)), day(2025, 12, 11)),
	}, arrival(day(2026, 1, 10), 999999), cfg)
	assert.True(t, res.Empty(), "amount outside the expected window is filtered")

	res = Decide([]models.PatternMatchState{
		stateOf(p, expectedOn(p, day(2026, 1, 10)), day(2025, 12, 11)),
	}, arrival(day(2026, 1, 10), 1500), cfg)
	_, fulfilled := res.Fulfilled()
	assert.True(t, fulfilled)
}

// Recovery: a broken pattern receiving an in-window payment returns to
// active with the streak restarted at one.
func TestDecideBrokenPatternRecovers(t *testing.T) {
	p := monthlyPattern(0x01, 2000, 30)
	p.Status = models.StatusBroken
	o := expectedOn(p, day(2026, 3, 15))
	st := stateOf(p, o, day(2025, 10, 15))
	st.Streak.CurrentStreak = 0
	st.Streak.MissedCount = 4
	st.Streak.ConfidenceMultiplier = 0.0

	res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 3, 15), 2000), DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	assert.Equal(t, models.StatusActive, m.Status)
	assert.Equal(t, 1, m.Streak.CurrentStreak)
	assert.Equal(t, 0, m.Streak.MissedCount)
	assert.InDelta(t, 0.05, m.Streak.ConfidenceMultiplier, 1e-9)
	assert.True(t, m.Linked)
}

// The lazy sweep is bounded: a long-dormant pattern converges over several
// arrivals instead of looping here.
func TestDecideSweepIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	p := monthlyPattern(0x01, 800, 30)
	o := expectedOn(p, day(2025, 1, 5))
	st := stateOf(p, o, day(2024, 12, 6))

	res := Decide([]models.PatternMatchState{st}, arrival(day(2025, 12, 20), 800), cfg)

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	resolveCreateBalance(t, m)

	var misses int
	for _, op := range m.Ops {
		if op.MarkMissed != nil {
			misses++
		}
	}
	assert.Equal(t, cfg.MaxMissSweep, misses)
	assert.Equal(t, cfg.MaxMissSweep, m.Streak.MissedCount)
	assert.Equal(t, models.StatusBroken, m.Status)
	assert.False(t, m.Linked, "the arrival is still far beyond the swept window")
}

// Ambiguity: with several open windows the tightest (date, amount) fit wins
// and the losers are untouched.
func TestDecideAmbiguityPrefersTighterFit(t *testing.T) {
	t.Run("date distance decides", func(t *testing.T) {
		a := monthlyPattern(0x0a, 500, 30)
		b := monthlyPattern(0x0b, 500, 30)
		oa := expectedOn(a, day(2026, 1, 10))
		ob := expectedOn(b, day(2026, 1, 12))

		res := Decide([]models.PatternMatchState{
			stateOf(a, oa, day(2025, 12, 11)),
			stateOf(b, ob, day(2025, 12, 13)),
		}, arrival(day(2026, 1, 10), 500), DefaultConfig())

		id, ok := res.Fulfilled()
		require.True(t, ok)
		assert.Equal(t, a.ID, id)
		require.Len(t, res.Mutations, 1, "the losing pattern is untouched")
	})

	t.Run("amount band breaks a date tie", func(t *testing.T) {
		a := monthlyPattern(0x0a, 8500, 31)
		b := monthlyPattern(0x0b, 2400, 31)
		oa := expectedOn(a, day(2026, 1, 10))
		ob := expectedOn(b, day(2026, 1, 10))

		res := Decide([]models.PatternMatchState{
			stateOf(a, oa, day(2025, 12, 10)),
			stateOf(b, ob, day(2025, 12, 10)),
		}, arrival(day(2026, 1, 10), 2400), DefaultConfig())

		id, ok := res.Fulfilled()
		require.True(t, ok)
		assert.Equal(t, b.ID, id, "the amount inside b's expected range wins")
	})

	t.Run("exact tie goes to the lowest pattern id", func(t *testing.T) {
		a := monthlyPattern(0x0a, 500, 30)
		b := monthlyPattern(0x0b, 500, 30)
		oa := expectedOn(a, day(2026, 1, 10))
		ob := expectedOn(b, day(2026, 1, 10))

		res := Decide([]models.PatternMatchState{
			stateOf(b, ob, day(2025, 12, 11)), // snapshot order must not matter
			stateOf(a, oa, day(2025, 12, 11)),
		}, arrival(day(2026, 1, 10), 500), DefaultConfig())

		id, ok := res.Fulfilled()
		require.True(t, ok)
		assert.Equal(t, a.ID, id)
	})
}

// A pattern that lost its expectation rebuilds it from the last fulfilment.
func TestDecideRepairsMissingExpectation(t *testing.T) {
	p := monthlyPattern(0x01, 1200, 30)
	st := stateOf(p, nil, day(2026, 1, 20))

	// Arrival well before the reconstructed window: repair only.
	res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 1, 28), 1200), DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	assert.True(t, m.Repaired)
	require.Len(t, m.Ops, 1)
	require.NotNil(t, m.Ops[0].Create)
	assert.Equal(t, day(2026, 2, 19), m.Ops[0].Create.ExpectedDate)
	assert.Equal(t, models.StatusActive, m.Status)
	assert.False(t, m.Linked)
}

// No expectation and no history: nothing to rebuild from, so the pattern is
// parked for re-discovery.
func TestDecideParksUnrepairablePattern(t *testing.T) {
	p := monthlyPattern(0x01, 1200, 30)
	st := stateOf(p, nil, day(2026, 1, 20))
	st.Streak.LastActualDate = nil

	res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 1, 28), 1200), DefaultConfig())

	require.Len(t, res.Mutations, 1)
	m := res.Mutations[0]
	assert.True(t, m.Repaired)
	assert.Empty(t, m.Ops)
	assert.Equal(t, models.StatusPaused, m.Status)
}

// Archived patterns are invisible; an early arrival changes nothing at all.
func TestDecideNoOps(t *testing.T) {
	t.Run("archived pattern", func(t *testing.T) {
		p := monthlyPattern(0x01, 900, 30)
		p.Status = models.StatusArchived
		st := stateOf(p, expectedOn(p, day(2026, 1, 10)), day(2025, 12, 11))

		res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 1, 10), 900), DefaultConfig())
		assert.True(t, res.Empty())
	})

	t.Run("arrival ahead of the window", func(t *testing.T) {
		p := monthlyPattern(0x01, 900, 30)
		st := stateOf(p, expectedOn(p, day(2026, 1, 10)), day(2025, 12, 11))

		res := Decide([]models.PatternMatchState{st}, arrival(day(2026, 1, 2), 900), DefaultConfig())
		assert.True(t, res.Empty())
	})
}

func TestStatusLadder(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		missed int
		want   models.PatternStatus
	}{
		{0, models.StatusActive},
		{1, models.StatusActive},
		{2, models.StatusPaused},
		{3, models.StatusPaused},
		{4, models.StatusBroken},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.statusForMisses(tt.missed), "missed=%d", tt.missed)
	}
}
