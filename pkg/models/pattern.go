package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Band tolerance constants shared by the cluster splitter, the inlier
// filter, and the natural-key amount lookup at upsert.
const (
	AmountTolerancePct = 0.25
	AmountToleranceAbs = 50
)

// BandTolerance is the symmetric amount tolerance around a band centre:
// max(pct·centre, abs).
func BandTolerance(centre decimal.Decimal, pct, abs float64) decimal.Decimal {
	rel := centre.Mul(decimal.NewFromFloat(pct))
	floor := decimal.NewFromFloat(abs)
	if rel.GreaterThan(floor) {
		return rel
	}
	return floor
}

// PatternCase buckets the detected interval.
type PatternCase string

const (
	CaseFixedMonthly    PatternCase = "fixed_monthly"
	CaseVariableMonthly PatternCase = "variable_monthly"
	CaseFlexibleMonthly PatternCase = "flexible_monthly"
	CaseBiMonthly       PatternCase = "bi_monthly"
	CaseQuarterly       PatternCase = "quarterly"
	CaseCustomInterval  PatternCase = "custom_interval"
)

// Monthly reports whether the case belongs to the monthly family.
func (c PatternCase) Monthly() bool {
	return c == CaseFixedMonthly || c == CaseVariableMonthly || c == CaseFlexibleMonthly
}

// AmountBehavior bands the amount variability of a series.
type AmountBehavior string

const (
	AmountFixed          AmountBehavior = "fixed"
	AmountVariable       AmountBehavior = "variable"
	AmountHighlyVariable AmountBehavior = "highly_variable"
)

// PatternStatus is the pattern lifecycle state. The runtime degrades
// active → paused → broken on misses and recovers on a match; archived is a
// user action and removes the pattern from matching without deleting history.
type PatternStatus string

const (
	StatusActive   PatternStatus = "active"
	StatusPaused   PatternStatus = "paused"
	StatusBroken   PatternStatus = "broken"
	StatusArchived PatternStatus = "archived"
)

// Pattern is a discovered recurring series. Several patterns may share one
// PatternKey: a payee can carry multiple independent schedules.
type Pattern struct {
	ID                   uuid.UUID       `json:"id"`
	UserID               uuid.UUID       `json:"userId"`
	PayeeID              uuid.UUID       `json:"payeeId"`
	Direction            Direction       `json:"direction"`
	CurrencyID           string          `json:"currencyId"`
	IntervalDays         int             `json:"intervalDays"`
	Case                 PatternCase     `json:"patternCase"`
	AmountBehavior       AmountBehavior  `json:"amountBehavior"`
	RepresentativeAmount decimal.Decimal `json:"representativeAmount"` // median of the inlier band
	AmountMin            decimal.Decimal `json:"amountMin"`            // full observed range, outliers included
	AmountMax            decimal.Decimal `json:"amountMax"`
	DayOfMonthHint       *int            `json:"dayOfMonthHint,omitempty"` // nil for day-drifting cadences
	Status               PatternStatus   `json:"status"`
	Confidence           float64         `json:"confidence"`
	Explanation          string          `json:"explanation,omitempty"` // advisory annotation, never gates anything
	DetectionVersion     int             `json:"detectionVersion"`
	LastEvaluatedAt      time.Time       `json:"lastEvaluatedAt"`
	CreatedAt            time.Time       `json:"createdAt,omitempty"`
}

// Key returns the pattern's series namespace.
func (p Pattern) Key() PatternKey {
	return PatternKey{
		UserID:     p.UserID,
		PayeeID:    p.PayeeID,
		Direction:  p.Direction,
		CurrencyID: p.CurrencyID,
	}
}

// Matchable reports whether the runtime may fulfil obligations against the
// pattern. Archived patterns are invisible to the matcher; broken ones stay
// matchable so a late payment can recover them.
func (p Pattern) Matchable() bool {
	return p.Status == StatusActive || p.Status == StatusPaused || p.Status == StatusBroken
}

// BandTolerance is the pattern's inlier band half-width around the
// representative amount.
func (p Pattern) BandTolerance() decimal.Decimal {
	return BandTolerance(p.RepresentativeAmount, AmountTolerancePct, AmountToleranceAbs)
}

// InBand reports whether an amount sits inside the pattern's inlier band.
func (p Pattern) InBand(amount decimal.Decimal) bool {
	return amount.Sub(p.RepresentativeAmount).Abs().LessThanOrEqual(p.BandTolerance())
}

// ToleranceDays is the obligation window half-width for a case/interval pair.
// Sub-10-day intervals never leave discovery, but the runtime tolerates
// patterns carrying them.
func ToleranceDays(c PatternCase, intervalDays int) int {
	switch {
	case c.Monthly():
		return 3
	case c == CaseBiMonthly:
		return 5
	case c == CaseQuarterly:
		return 7
	case intervalDays <= 2:
		return 1
	case intervalDays <= 9:
		return 2
	default:
		return max(2, int(math.Round(0.15*float64(intervalDays))))
	}
}

// CircularDayDistance is the wrap-aware distance between two days of month
// on a 30-slot circle, so the 31st and the 1st are one day apart.
func CircularDayDistance(a, b int) int {
	pa, pb := (a-1)%30, (b-1)%30
	d := pa - pb
	if d < 0 {
		d = -d
	}
	if d > 15 {
		d = 30 - d
	}
	return d
}

// PatternStreak is the runtime fulfilment history, 1:1 with a pattern.
// Initialised once at discovery, mutated only by the matcher.
type PatternStreak struct {
	PatternID            uuid.UUID  `json:"patternId"`
	CurrentStreak        int        `json:"currentStreak"`
	LongestStreak        int        `json:"longestStreak"`
	MissedCount          int        `json:"missedCount"`
	LastActualDate       *time.Time `json:"lastActualDate,omitempty"`
	LastExpectedDate     *time.Time `json:"lastExpectedDate,omitempty"`
	ConfidenceMultiplier float64    `json:"confidenceMultiplier"` // [0,1], +0.05 per fulfilment, -0.15 per miss
}

// PatternCandidate is the discovery pipeline's accepted output for one
// cluster: everything persistence needs to upsert a pattern, seed its streak,
// link its transactions, and create the first expected obligation.
type PatternCandidate struct {
	Key                  PatternKey      `json:"key"`
	IntervalDays         int             `json:"intervalDays"`
	Case                 PatternCase     `json:"patternCase"`
	AmountBehavior       AmountBehavior  `json:"amountBehavior"`
	RepresentativeAmount decimal.Decimal `json:"representativeAmount"`
	AmountMin            decimal.Decimal `json:"amountMin"`
	AmountMax            decimal.Decimal `json:"amountMax"`
	DayOfMonthHint       *int            `json:"dayOfMonthHint,omitempty"`
	Confidence           float64         `json:"confidence"`
	TransactionIDs       []uuid.UUID     `json:"transactionIds"` // date order; outliers included
	LastDate             time.Time       `json:"lastDate"`       // seeds the streak and O0
	FirstObligation      ObligationSeed  `json:"firstObligation"`
}

// Size is the cluster size n used for streak seeding and sample sufficiency.
func (c PatternCandidate) Size() int { return len(c.TransactionIDs) }
