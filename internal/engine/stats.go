package engine

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// dayPeriod is the wrap length for day-of-month arithmetic. Day d occupies
// circular position (d−1) mod 30, so the 31st and the 1st are neighbours.
const dayPeriod = 30

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddevFloat is the population standard deviation.
func stddevFloat(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := meanFloat(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

// cvFloat is the coefficient of variation σ/μ, 0 for a zero mean.
func cvFloat(xs []float64) float64 {
	m := meanFloat(xs)
	if m == 0 {
		return 0
	}
	return stddevFloat(xs) / m
}

func medianFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

// medianDecimal keeps amounts exact: the middle element for odd n, the mean
// of the two middles for even n.
func medianDecimal(xs []decimal.Decimal) decimal.Decimal {
	if len(xs) == 0 {
		return decimal.Zero
	}
	s := append([]decimal.Decimal(nil), xs...)
	sort.Slice(s, func(i, j int) bool { return s[i].LessThan(s[j]) })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return s[mid-1].Add(s[mid]).Div(decimal.NewFromInt(2))
}

func decimalsToFloats(xs []decimal.Decimal) []float64 {
	fs := make([]float64, len(xs))
	for i, x := range xs {
		fs[i] = x.InexactFloat64()
	}
	return fs
}

// cvDecimals is the coefficient of variation of an amount series. Statistics
// tolerate float conversion; only stored amounts stay exact.
func cvDecimals(xs []decimal.Decimal) float64 {
	return cvFloat(decimalsToFloats(xs))
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// dayPosition maps a day-of-month (1..31) onto the 30-day circle.
func dayPosition(day int) float64 {
	return float64((day - 1) % dayPeriod)
}

// wrapDiff maps a circular position difference into [−15, 15).
func wrapDiff(d float64) float64 {
	for d >= dayPeriod/2 {
		d -= dayPeriod
	}
	for d < -dayPeriod/2 {
		d += dayPeriod
	}
	return d
}

// circularDayStats computes the circular mean position, population standard
// deviation (in days of arc), and minimal covering span for a set of
// day-of-month values. The wrap keeps month-boundary series (31st → 1st)
// looking as regular as they are.
func circularDayStats(days []int) (meanPos, sigma float64, span int) {
	n := len(days)
	if n == 0 {
		return 0, 0, 0
	}

	var sinSum, cosSum float64
	for _, d := range days {
		theta := 2 * math.Pi * dayPosition(d) / dayPeriod
		sinSum += math.Sin(theta)
		cosSum += math.Cos(theta)
	}
	meanPos = math.Atan2(sinSum, cosSum) * dayPeriod / (2 * math.Pi)
	if meanPos < 0 {
		meanPos += dayPeriod
	}

	var sq float64
	for _, d := range days {
		dev := wrapDiff(dayPosition(d) - meanPos)
		sq += dev * dev
	}
	sigma = math.Sqrt(sq / float64(n))

	span = circularSpan(days)
	return meanPos, sigma, span
}

// circularSpan is the length of the smallest arc containing every day
// position: 30 minus the largest gap between neighbours on the circle.
func circularSpan(days []int) int {
	if len(days) < 2 {
		return 0
	}
	pos := make([]int, len(days))
	for i, d := range days {
		pos[i] = (d - 1) % dayPeriod
	}
	sort.Ints(pos)

	maxGap := pos[0] + dayPeriod - pos[len(pos)-1] // wrap gap
	for i := 1; i < len(pos); i++ {
		if g := pos[i] - pos[i-1]; g > maxGap {
			maxGap = g
		}
	}
	return dayPeriod - maxGap
}

// circularMedianDay unwraps the day positions around their circular mean,
// takes the median, and maps it back to a calendar day in [1, 30].
func circularMedianDay(days []int) int {
	if len(days) == 0 {
		return 0
	}
	meanPos, _, _ := circularDayStats(days)

	unwrapped := make([]float64, len(days))
	for i, d := range days {
		unwrapped[i] = meanPos + wrapDiff(dayPosition(d)-meanPos)
	}
	m := math.Round(medianFloat(unwrapped))
	pos := int(m) % dayPeriod
	if pos < 0 {
		pos += dayPeriod
	}
	return pos + 1
}
