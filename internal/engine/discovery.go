// Pattern discovery pipeline.
//
// A cluster becomes at most one pattern. The pipeline is deterministic and
// explainable — no learned model sits in the decision path — and every stage
// may reject the cluster with a reason code instead of an error, because
// "this is not a recurring obligation" is a normal outcome:
//
//  0. validate and normalise (≥3 rows, date order, id dedupe)
//  1. whole-day intervals between consecutive transactions
//  2. density gates: minimum interval, 30-day rolling window cap
//  3. interval stability: σ(intervals) ≤ max(3, 0.15·median)
//  4. case classification from the median interval, tightest family first
//  5. dominant amount band: ≥80% of rows inside one band; the rest are
//     outliers, withheld from amount statistics but still linked
//  6. re-validate interval stability with the outlier dates removed
//  7. amount behaviour from the inlier coefficient of variation
//  8. weighted confidence score, floor 0.40
//  9. emit the candidate with its first expected obligation
//
// Interval-in-days is authoritative throughout. Calendar-month bucketing is a
// forbidden signal: a series paying on the 31st then the 1st is one stable
// ~30-day interval, and a skipped month shows up as a single ~2× interval,
// not as a missing calendar bucket.
package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// RejectReason codes why a cluster or group produced no pattern.
type RejectReason string

const (
	RejectTooFew                RejectReason = "too_few_transactions"
	RejectIntervalTooShort      RejectReason = "interval_too_short"
	RejectTooFrequent           RejectReason = "too_frequent"
	RejectUnstableInterval      RejectReason = "unstable_interval"
	RejectIntervalOutOfRange    RejectReason = "interval_out_of_range"
	RejectNoDominantBand        RejectReason = "no_dominant_amount_band"
	RejectUnstableAfterOutliers RejectReason = "unstable_after_outlier_removal"
	RejectLowConfidence         RejectReason = "low_confidence"
)

// Rejection explains a cluster that produced no pattern.
type Rejection struct {
	Key    models.PatternKey `json:"key"`
	Size   int               `json:"size"`
	Reason RejectReason      `json:"reason"`
	Detail string            `json:"detail,omitempty"`
}

// Confidence weights. Interval regularity dominates because date cadence is
// the primary recurrence signal; amount and day regularity refine it.
const (
	weightInterval   = 0.35
	weightAmount     = 0.25
	weightDay        = 0.20
	weightSamples    = 0.15
	weightCase       = 0.05
	sampleSaturation = 6.0
	flexibleStrength = 0.6
)

// caseKind is the interval family before amount behaviour picks the monthly
// variant.
type caseKind int

const (
	kindMonthly caseKind = iota
	kindBiMonthly
	kindQuarterly
	kindCustom
)

// DiscoverPattern runs the pipeline over one cluster and returns either a
// candidate or the rejection that stopped it.
func DiscoverPattern(c Cluster, p Params) (*models.PatternCandidate, *Rejection) {
	reject := func(reason RejectReason, detail string) (*models.PatternCandidate, *Rejection) {
		return nil, &Rejection{Key: c.Key, Size: len(c.Transactions), Reason: reason, Detail: detail}
	}

	// Step 0: validate and normalise.
	txns := dedupeByID(c.Transactions)
	sortByDate(txns)
	if len(txns) < p.MinClusterSize {
		return reject(RejectTooFew, fmt.Sprintf("%d transactions, need %d", len(txns), p.MinClusterSize))
	}

	dates := make([]time.Time, len(txns))
	days := make([]int, len(txns))
	amounts := make([]decimal.Decimal, len(txns))
	for i, t := range txns {
		dates[i] = t.Date()
		days[i] = dates[i].Day()
		amounts[i] = t.Amount
	}

	// Step 1: whole-day intervals.
	intervals := intervalsOf(dates)

	// Step 2: density gates.
	for _, iv := range intervals {
		if int(iv) < p.MinIntervalDays {
			return reject(RejectIntervalTooShort, fmt.Sprintf("interval of %d days, floor is %d", int(iv), p.MinIntervalDays))
		}
	}
	if n := maxPer30Days(dates); n > p.MaxPer30Days {
		return reject(RejectTooFrequent, fmt.Sprintf("%d transactions inside one 30-day window", n))
	}

	// Step 3: interval stability.
	medianIv := medianFloat(intervals)
	interval := int(math.Round(medianIv))
	sigmaIv := stddevFloat(intervals)
	allowance := math.Max(p.StabilityFloorDays, p.StabilityPctOfMedian*medianIv)
	if sigmaIv > allowance {
		return reject(RejectUnstableInterval, fmt.Sprintf("σ=%.2f exceeds %.2f", sigmaIv, allowance))
	}
	cvInterval := cvFloat(intervals)

	// Step 4: classify the case.
	_, daySigma, _ := circularDayStats(days)
	kind, ok := classifyCase(interval, daySigma, p)
	if !ok {
		return reject(RejectIntervalOutOfRange, fmt.Sprintf("interval %d outside [%d, %d]", interval, p.MinIntervalDays, p.MaxIntervalDays))
	}

	// Step 5: dominant amount band.
	inliers, outliers := dominantBand(txns, p)
	if float64(len(inliers)) < p.InlierShare*float64(len(txns)) {
		return reject(RejectNoDominantBand, fmt.Sprintf("largest band holds %d of %d", len(inliers), len(txns)))
	}

	// Step 6: outliers must not be the reason the intervals looked stable.
	if len(outliers) > 0 {
		if !stableWithout(outliers, txns, p) {
			return reject(RejectUnstableAfterOutliers, "")
		}
	}

	// Step 7: amount behaviour from the inlier band.
	inlierAmounts := make([]decimal.Decimal, len(inliers))
	for i, t := range inliers {
		inlierAmounts[i] = t.Amount
	}
	cvAmount := cvDecimals(inlierAmounts)
	behavior := classifyAmounts(cvAmount, p)
	patternCase := resolveCase(kind, behavior)

	// Step 8: confidence.
	strength := 1.0
	if patternCase == models.CaseFlexibleMonthly {
		strength = flexibleStrength
	}
	confidence := clip01(weightInterval*clip01(1-cvInterval) +
		weightAmount*clip01(1-cvAmount) +
		weightDay*clip01(1-daySigma/10) +
		weightSamples*math.Min(1, float64(len(txns))/sampleSaturation) +
		weightCase*strength)
	if confidence < p.MinConfidence {
		return reject(RejectLowConfidence, fmt.Sprintf("confidence %.2f below %.2f", confidence, p.MinConfidence))
	}

	// Step 9: emit.
	amountMin, amountMax := minMaxDecimal(amounts) // full range, outliers included
	var hint *int
	if daySigma <= p.MonthlyDaySigmaMax {
		d := circularMedianDay(days)
		hint = &d
	}

	ids := make([]uuid.UUID, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	lastDate := dates[len(dates)-1]
	repr := medianDecimal(inlierAmounts)
	nextMin, nextMax := AmountWindow(behavior, repr, recentAmounts(inliers, 3))

	return &models.PatternCandidate{
		Key:                  c.Key,
		IntervalDays:         interval,
		Case:                 patternCase,
		AmountBehavior:       behavior,
		RepresentativeAmount: repr,
		AmountMin:            amountMin,
		AmountMax:            amountMax,
		DayOfMonthHint:       hint,
		Confidence:           confidence,
		TransactionIDs:       ids,
		LastDate:             lastDate,
		FirstObligation: models.ObligationSeed{
			ExpectedDate:  lastDate.AddDate(0, 0, interval),
			ToleranceDays: models.ToleranceDays(patternCase, interval),
			MinAmount:     nextMin,
			MaxAmount:     nextMax,
		},
	}, nil
}

// classifyCase buckets a stable interval, tightest family first so boundary
// values prefer the narrower interpretation. A 27-33 day interval only counts
// as monthly when the dates stick to a day of month: an exact 28-day cadence
// drifts across the calendar and is a day-count subscription, not a monthly
// obligation.
func classifyCase(interval int, daySigma float64, p Params) (caseKind, bool) {
	switch {
	case interval >= 27 && interval <= 33 && daySigma <= p.MonthlyDaySigmaMax:
		return kindMonthly, true
	case interval >= 55 && interval <= 65:
		return kindBiMonthly, true
	case interval >= 85 && interval <= 95:
		return kindQuarterly, true
	case interval >= p.MinIntervalDays && interval <= p.MaxIntervalDays:
		return kindCustom, true
	default:
		return kindCustom, false
	}
}

func classifyAmounts(cv float64, p Params) models.AmountBehavior {
	switch {
	case cv <= p.FixedCVMax:
		return models.AmountFixed
	case cv <= p.VariableCVMax:
		return models.AmountVariable
	default:
		return models.AmountHighlyVariable
	}
}

// resolveCase folds amount behaviour into the monthly family; the other
// families carry behaviour as a separate attribute.
func resolveCase(kind caseKind, behavior models.AmountBehavior) models.PatternCase {
	switch kind {
	case kindMonthly:
		switch behavior {
		case models.AmountFixed:
			return models.CaseFixedMonthly
		case models.AmountVariable:
			return models.CaseVariableMonthly
		default:
			return models.CaseFlexibleMonthly
		}
	case kindBiMonthly:
		return models.CaseBiMonthly
	case kindQuarterly:
		return models.CaseQuarterly
	default:
		return models.CaseCustomInterval
	}
}

// AmountWindow estimates the expected amount range for the next obligation
// from the most recent inlier amounts (newest first, at most three). The
// range is forecasting state only and never gates a match.
func AmountWindow(behavior models.AmountBehavior, representative decimal.Decimal, recent []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if behavior == models.AmountFixed || len(recent) == 0 {
		return representative, representative
	}

	lo, hi := minMaxDecimal(recent)
	if behavior == models.AmountHighlyVariable {
		return lo, hi
	}

	// variable: mean +/- one sigma, floored by 0.95*min and capped at
	// 1.05*max of the window so a quiet stretch cannot collapse or explode
	// the band.
	fs := decimalsToFloats(recent)
	m, s := meanFloat(fs), stddevFloat(fs)
	lower := decimal.NewFromFloat(m - s).Round(2)
	upper := decimal.NewFromFloat(m + s).Round(2)

	floor := lo.Mul(decimal.NewFromFloat(0.95)).Round(2)
	ceil := hi.Mul(decimal.NewFromFloat(1.05)).Round(2)
	if lower.LessThan(floor) {
		lower = floor
	}
	if upper.GreaterThan(ceil) {
		upper = ceil
	}
	return lower, upper
}

// dominantBand re-runs amount banding inside the cluster and returns the
// largest band as inliers (ties prefer the lower band) plus the rest as
// outliers. Outliers stay linked to the pattern; they are only withheld from
// amount statistics.
func dominantBand(txns []models.Transaction, p Params) (inliers, outliers []models.Transaction) {
	bands := splitByAmount(txns, p)
	best := 0
	for i, b := range bands {
		if len(b) > len(bands[best]) {
			best = i
		}
	}
	for i, b := range bands {
		if i == best {
			inliers = append(inliers, b...)
			continue
		}
		outliers = append(outliers, b...)
	}
	sortByDate(inliers)
	sortByDate(outliers)
	return inliers, outliers
}

// stableWithout re-checks step 3 on the dates that remain after dropping the
// amount outliers. A cluster whose cadence only looked stable because of the
// outlier rows is noise.
func stableWithout(outliers, all []models.Transaction, p Params) bool {
	out := make(map[uuid.UUID]bool, len(outliers))
	for _, t := range outliers {
		out[t.ID] = true
	}
	var dates []time.Time
	for _, t := range all {
		if !out[t.ID] {
			dates = append(dates, t.Date())
		}
	}
	if len(dates) < p.MinClusterSize {
		return false
	}
	ivs := intervalsOf(dates)
	med := medianFloat(ivs)
	return stddevFloat(ivs) <= math.Max(p.StabilityFloorDays, p.StabilityPctOfMedian*med)
}

func intervalsOf(dates []time.Time) []float64 {
	ivs := make([]float64, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		ivs = append(ivs, float64(models.DaysBetween(dates[i-1], dates[i])))
	}
	return ivs
}

// maxPer30Days returns the densest 30-day rolling window, anchored at each
// transaction. Dates must be ascending.
func maxPer30Days(dates []time.Time) int {
	most := 0
	for i := range dates {
		n := 0
		for j := i; j < len(dates); j++ {
			if models.DaysBetween(dates[i], dates[j]) < 30 {
				n++
			}
		}
		if n > most {
			most = n
		}
	}
	return most
}

// recentAmounts returns the newest n inlier amounts, newest first.
func recentAmounts(inliers []models.Transaction, n int) []decimal.Decimal {
	var out []decimal.Decimal
	for i := len(inliers) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, inliers[i].Amount)
	}
	return out
}

func minMaxDecimal(xs []decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if len(xs) == 0 {
		return decimal.Zero, decimal.Zero
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		if x.LessThan(lo) {
			lo = x
		}
		if x.GreaterThan(hi) {
			hi = x
		}
	}
	return lo, hi
}

func dedupeByID(txns []models.Transaction) []models.Transaction {
	seen := make(map[uuid.UUID]bool, len(txns))
	out := make([]models.Transaction, 0, len(txns))
	for _, t := range txns {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}
