// Cluster splitting for multi-series payees.
//
// A single payee can legitimately carry several independent schedules — three
// chit payments on roughly the 5th, 15th and 22nd with three amount bands is
// the canonical case. Folding them into one series inflates amount variance
// and produces a single junk pattern. The splitter partitions a group on two
// axes before discovery sees it:
//
//   - amount bands: greedy 1D agglomerative pass over amount-sorted
//     transactions, tolerance max(25% of the running centroid, 50 absolute)
//   - day-of-month windows: wrap-aware (mod 30) span check, fixed fallback
//     windows [1-10], [11-20], [21-31]
//
// Real multi-series cases separate on at least one of the two axes.
package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// Cluster is one candidate recurring series within a group.
type Cluster struct {
	Key            models.PatternKey
	Transactions   []models.Transaction // date-ascending
	AmountCentroid decimal.Decimal
}

// BandTolerance applies the shared band rule with this parameter set's
// tolerances. The same rule decides splitting, inlier detection and the
// natural-key amount range at upsert.
func BandTolerance(centre decimal.Decimal, p Params) decimal.Decimal {
	return models.BandTolerance(centre, p.AmountTolerancePct, p.AmountToleranceAbs)
}

// SplitClusters partitions a group into independent candidate series and
// reports the fragments too small to pursue. Deterministic: equal inputs
// yield identical clusters in identical order.
func SplitClusters(g Group, p Params) ([]Cluster, []DroppedGroup) {
	bands := splitByAmount(g.Transactions, p)

	var clusters []Cluster
	var dropped []DroppedGroup
	for _, band := range bands {
		for _, c := range splitByDayWindow(band, p) {
			if len(c) < p.MinClusterSize {
				dropped = append(dropped, DroppedGroup{Key: g.Key, Size: len(c), Reason: RejectTooFew})
				continue
			}
			sortByDate(c)
			clusters = append(clusters, Cluster{
				Key:            g.Key,
				Transactions:   c,
				AmountCentroid: centroid(c),
			})
		}
	}
	return clusters, dropped
}

// splitByAmount runs the greedy agglomerative pass. Scanning amounts in
// ascending order and joining on gap ≤ tolerance assigns equidistant
// transactions to the lower band by construction.
func splitByAmount(txns []models.Transaction, p Params) [][]models.Transaction {
	if len(txns) == 0 {
		return nil
	}

	sorted := append([]models.Transaction(nil), txns...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Amount.Equal(sorted[j].Amount) {
			return sorted[i].Amount.LessThan(sorted[j].Amount)
		}
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	var bands [][]models.Transaction
	var current []models.Transaction
	var sum decimal.Decimal

	for _, t := range sorted {
		if len(current) == 0 {
			current = []models.Transaction{t}
			sum = t.Amount
			continue
		}
		ctr := sum.Div(decimal.NewFromInt(int64(len(current))))
		gap := t.Amount.Sub(ctr)
		if gap.LessThanOrEqual(BandTolerance(ctr, p)) {
			current = append(current, t)
			sum = sum.Add(t.Amount)
			continue
		}
		bands = append(bands, current)
		current = []models.Transaction{t}
		sum = t.Amount
	}
	bands = append(bands, current)
	return bands
}

// splitByDayWindow accepts an amount band whole when its day-of-month values
// sit inside a wrap-aware window of MaxDaySpan days; otherwise it falls back
// to the fixed decade windows.
func splitByDayWindow(band []models.Transaction, p Params) [][]models.Transaction {
	days := make([]int, len(band))
	for i, t := range band {
		days[i] = t.Date().Day()
	}
	if circularSpan(days) <= p.MaxDaySpan {
		return [][]models.Transaction{band}
	}

	// [1-10], [11-20], [21-31]
	windows := make([][]models.Transaction, 3)
	for _, t := range band {
		switch d := t.Date().Day(); {
		case d <= 10:
			windows[0] = append(windows[0], t)
		case d <= 20:
			windows[1] = append(windows[1], t)
		default:
			windows[2] = append(windows[2], t)
		}
	}

	var out [][]models.Transaction
	for _, w := range windows {
		if len(w) > 0 {
			out = append(out, w)
		}
	}
	return out
}

func centroid(txns []models.Transaction) decimal.Decimal {
	if len(txns) == 0 {
		return decimal.Zero
	}
	var sum decimal.Decimal
	for _, t := range txns {
		sum = sum.Add(t.Amount)
	}
	return sum.Div(decimal.NewFromInt(int64(len(txns))))
}
