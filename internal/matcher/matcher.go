// Package matcher decides what an arriving transaction does to the patterns
// under its series key: which overdue expectations it exposes as missed,
// which single obligation it fulfils, and how streaks and statuses move.
// Decide is pure; it computes a MatchResult against an immutable snapshot
// and the store applies the whole result atomically. A snapshot race
// surfaces as Conflict at apply time and the job retries on fresh state.
package matcher

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finpulse/recurrence-engine/internal/engine"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Config tunes the runtime matcher. Defaults implement the documented
// lifecycle; deployments override via the config file.
type Config struct {
	MaxMissSweep        int     `yaml:"maxMissSweep"`        // overdue cycles swept per pattern per decision
	StreakBonus         float64 `yaml:"streakBonus"`         // multiplier gain per fulfilment
	MissPenalty         float64 `yaml:"missPenalty"`         // multiplier loss per miss
	PausedMissThreshold int     `yaml:"pausedMissThreshold"` // missed_count above this pauses
	BrokenMissThreshold int     `yaml:"brokenMissThreshold"` // missed_count above this breaks

	// StrictAmount additionally requires the amount to sit inside the
	// obligation's expected window before a pattern may win. Off by default:
	// amounts normally only break ties, never disqualify.
	StrictAmount bool `yaml:"strictAmount"`
}

func DefaultConfig() Config {
	return Config{
		MaxMissSweep:        6,
		StreakBonus:         0.05,
		MissPenalty:         0.15,
		PausedMissThreshold: 1,
		BrokenMissThreshold: 3,
	}
}

// statusForMisses maps a missed count onto the lifecycle ladder.
func (c Config) statusForMisses(missed int) models.PatternStatus {
	switch {
	case missed <= c.PausedMissThreshold:
		return models.StatusActive
	case missed <= c.BrokenMissThreshold:
		return models.StatusPaused
	default:
		return models.StatusBroken
	}
}

var statusSeverity = map[models.PatternStatus]int{
	models.StatusActive: 0,
	models.StatusPaused: 1,
	models.StatusBroken: 2,
}

// worse picks the more degraded of two statuses. Misses never promote a
// pattern a user paused; only an actual match does that.
func worse(a, b models.PatternStatus) models.PatternStatus {
	if statusSeverity[b] > statusSeverity[a] {
		return b
	}
	return a
}

// evaluation is one pattern's in-flight decision state.
type evaluation struct {
	state    *models.PatternMatchState
	mut      models.PatternMutation
	expected *models.Obligation // live expectation after repair and sweep
	changed  bool
}

// Decide evaluates a transaction against every matchable pattern under its
// key. It sweeps overdue obligations into misses (bounded per pattern),
// repairs patterns whose expectation is missing, fulfils at most one
// obligation, and rolls the winner's next expectation. Mutations come back
// in snapshot order, so equal inputs produce equal results.
func Decide(states []models.PatternMatchState, txn models.Transaction, cfg Config) models.MatchResult {
	res := models.MatchResult{TransactionID: txn.ID, Key: txn.Key()}
	day := txn.Date()

	evals := make([]*evaluation, 0, len(states))
	for i := range states {
		st := &states[i]
		if !st.Pattern.Matchable() {
			continue
		}
		ev := &evaluation{
			state: st,
			mut: models.PatternMutation{
				PatternID: st.Pattern.ID,
				Streak:    st.Streak,
				Status:    st.Pattern.Status,
			},
		}
		if st.Expected != nil {
			o := *st.Expected
			ev.expected = &o
		}

		repairExpectation(ev)
		sweepOverdue(ev, day, cfg)
		evals = append(evals, ev)
	}

	if winner := pickWinner(evals, txn, day, cfg); winner != nil {
		fulfil(winner, txn, day, cfg)
	}

	for _, ev := range evals {
		if ev.changed {
			res.Mutations = append(res.Mutations, ev.mut)
		}
	}
	return res
}

// repairExpectation reconstructs a missing expected obligation from the last
// fulfilment, or parks the pattern when there is nothing to reconstruct from.
func repairExpectation(ev *evaluation) {
	if ev.expected != nil {
		return
	}
	p := ev.state.Pattern
	if ev.state.Streak.LastActualDate == nil {
		ev.mut.Status = worse(ev.mut.Status, models.StatusPaused)
		ev.mut.Repaired = true
		ev.changed = true
		return
	}
	seed := rollSeed(p, ev.state.RecentAmounts, *ev.state.Streak.LastActualDate)
	ev.mut.Ops = append(ev.mut.Ops, models.ObligationOp{Create: &seed})
	o := obligationFromSeed(seed)
	ev.expected = &o
	ev.mut.Repaired = true
	ev.changed = true
}

// sweepOverdue lazily converts every expectation the arrival date has sailed
// past into a miss and rolls the next one, at most cfg.MaxMissSweep cycles.
// A long-dormant pattern catches up over several arrivals instead of looping
// unbounded here.
func sweepOverdue(ev *evaluation, day time.Time, cfg Config) {
	if ev.expected == nil {
		return
	}
	for cycles := 0; cycles < cfg.MaxMissSweep && ev.expected.Overdue(day); cycles++ {
		missedID := ev.expected.ID
		ev.mut.Ops = append(ev.mut.Ops, models.ObligationOp{MarkMissed: &missedID})

		ev.mut.Streak.MissedCount++
		ev.mut.Streak.CurrentStreak = 0
		ev.mut.Streak.ConfidenceMultiplier = clampMultiplier(ev.mut.Streak.ConfidenceMultiplier - cfg.MissPenalty)
		expDate := ev.expected.ExpectedDate
		ev.mut.Streak.LastExpectedDate = &expDate

		seed := rollSeed(ev.state.Pattern, ev.state.RecentAmounts, ev.expected.ExpectedDate)
		ev.mut.Ops = append(ev.mut.Ops, models.ObligationOp{Create: &seed})
		o := obligationFromSeed(seed)
		ev.expected = &o

		ev.mut.Status = worse(ev.mut.Status, cfg.statusForMisses(ev.mut.Streak.MissedCount))
		ev.changed = true
	}
}

// pickWinner returns the evaluation whose expectation the transaction
// fulfils, or nil. With several windows open the lowest ambiguity score
// wins; scores tie to the lexicographically smallest pattern id.
func pickWinner(evals []*evaluation, txn models.Transaction, day time.Time, cfg Config) *evaluation {
	var (
		winner    *evaluation
		bestScore float64
		bestID    string
	)
	for _, ev := range evals {
		if ev.expected == nil || !ev.expected.WindowContains(day) {
			continue
		}
		if cfg.StrictAmount && !amountInWindow(txn.Amount, *ev.expected) {
			continue
		}
		score := ambiguityScore(txn, *ev.expected)
		id := ev.state.Pattern.ID.String()
		if winner == nil || score < bestScore || (score == bestScore && id < bestID) {
			winner, bestScore, bestID = ev, score, id
		}
	}
	return winner
}

func amountInWindow(amount decimal.Decimal, o models.Obligation) bool {
	return amount.GreaterThanOrEqual(o.ExpectedMinAmount) &&
		amount.LessThanOrEqual(o.ExpectedMaxAmount)
}

// ambiguityScore ranks competing open windows: date distance in tolerance
// units plus relative overshoot outside the expected amount range. Amounts
// never disqualify a match; they only break ties between open windows.
func ambiguityScore(txn models.Transaction, o models.Obligation) float64 {
	dateDelta := models.DaysBetween(o.ExpectedDate, txn.Date())
	if dateDelta < 0 {
		dateDelta = -dateDelta
	}
	score := float64(dateDelta) / float64(o.ToleranceDays)

	overshoot := decimal.Zero
	switch {
	case txn.Amount.LessThan(o.ExpectedMinAmount):
		overshoot = o.ExpectedMinAmount.Sub(txn.Amount)
	case txn.Amount.GreaterThan(o.ExpectedMaxAmount):
		overshoot = txn.Amount.Sub(o.ExpectedMaxAmount)
	}
	if overshoot.IsPositive() && o.ExpectedMaxAmount.IsPositive() {
		rel, _ := overshoot.Div(o.ExpectedMaxAmount).Float64()
		score += rel
	}
	return score
}

// fulfil consumes the winner's expectation, restores its streak and status,
// links the transaction, and rolls the next expectation one interval ahead
// of the fulfilled one so the schedule anchor never drifts with payment
// timing.
func fulfil(ev *evaluation, txn models.Transaction, day time.Time, cfg Config) {
	exp := ev.expected

	ev.mut.Ops = append(ev.mut.Ops, models.ObligationOp{Fulfil: &models.FulfilOp{
		ObligationID:  exp.ID,
		TransactionID: txn.ID,
		DaysEarly:     models.DaysBetween(day, exp.ExpectedDate),
	}})

	ev.mut.Streak.CurrentStreak++
	if ev.mut.Streak.CurrentStreak > ev.mut.Streak.LongestStreak {
		ev.mut.Streak.LongestStreak = ev.mut.Streak.CurrentStreak
	}
	ev.mut.Streak.MissedCount = 0
	ev.mut.Streak.ConfidenceMultiplier = clampMultiplier(ev.mut.Streak.ConfidenceMultiplier + cfg.StreakBonus)
	actual := day
	ev.mut.Streak.LastActualDate = &actual
	expDate := exp.ExpectedDate
	ev.mut.Streak.LastExpectedDate = &expDate

	ev.mut.Status = models.StatusActive
	ev.mut.Linked = true

	recent := ev.state.RecentAmounts
	if ev.state.Pattern.InBand(txn.Amount) {
		recent = prepend(txn.Amount, recent, 3)
	}
	seed := rollSeed(ev.state.Pattern, recent, exp.ExpectedDate)
	ev.mut.Ops = append(ev.mut.Ops, models.ObligationOp{Create: &seed})

	ev.changed = true
}

// rollSeed builds the next expected obligation one interval after the given
// anchor date, with the amount window re-estimated from recent inliers.
func rollSeed(p models.Pattern, recent []decimal.Decimal, anchor time.Time) models.ObligationSeed {
	lo, hi := engine.AmountWindow(p.AmountBehavior, p.RepresentativeAmount, recent)
	return models.ObligationSeed{
		ID:            uuid.New(),
		PatternID:     p.ID,
		ExpectedDate:  models.DateOnly(anchor).AddDate(0, 0, p.IntervalDays),
		ToleranceDays: models.ToleranceDays(p.Case, p.IntervalDays),
		MinAmount:     lo,
		MaxAmount:     hi,
	}
}

func obligationFromSeed(s models.ObligationSeed) models.Obligation {
	return models.Obligation{
		ID:                s.ID,
		PatternID:         s.PatternID,
		ExpectedDate:      s.ExpectedDate,
		ToleranceDays:     s.ToleranceDays,
		ExpectedMinAmount: s.MinAmount,
		ExpectedMaxAmount: s.MaxAmount,
		Status:            models.ObligationExpected,
	}
}

func clampMultiplier(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func prepend(v decimal.Decimal, xs []decimal.Decimal, limit int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, limit)
	out = append(out, v)
	for _, x := range xs {
		if len(out) == limit {
			break
		}
		out = append(out, x)
	}
	return out
}
