package engine

import "github.com/finpulse/recurrence-engine/pkg/models"

// Params are the deterministic tuning constants for splitting and discovery.
// Defaults carry the production values; an operator tuning file may override
// individual fields, and the shadow evaluator runs a second Params set
// side by side without touching production output.
type Params struct {
	MinClusterSize       int     `yaml:"minClusterSize"`       // clusters below this never become patterns
	AmountTolerancePct   float64 `yaml:"amountTolerancePct"`   // symmetric relative band tolerance
	AmountToleranceAbs   float64 `yaml:"amountToleranceAbs"`   // absolute floor on the band tolerance
	MaxDaySpan           int     `yaml:"maxDaySpan"`           // wrap-aware day window accepted without splitting
	MinIntervalDays      int     `yaml:"minIntervalDays"`      // anything tighter is not a recurring obligation
	MaxPer30Days         int     `yaml:"maxPer30Days"`         // rolling-window density above this is frequent purchasing
	StabilityFloorDays   float64 `yaml:"stabilityFloorDays"`   // σ(intervals) allowance floor
	StabilityPctOfMedian float64 `yaml:"stabilityPctOfMedian"` // σ(intervals) allowance as a share of the median
	MonthlyDaySigmaMax   float64 `yaml:"monthlyDaySigmaMax"`   // day-of-month σ gate for the monthly family
	InlierShare          float64 `yaml:"inlierShare"`          // minimum share of the cluster inside one amount band
	FixedCVMax           float64 `yaml:"fixedCVMax"`
	VariableCVMax        float64 `yaml:"variableCVMax"`
	MinConfidence        float64 `yaml:"minConfidence"`
	MaxIntervalDays      int     `yaml:"maxIntervalDays"`
}

// DefaultParams returns the production detection constants.
func DefaultParams() Params {
	return Params{
		MinClusterSize:       3,
		AmountTolerancePct:   models.AmountTolerancePct,
		AmountToleranceAbs:   models.AmountToleranceAbs,
		MaxDaySpan:           10,
		MinIntervalDays:      10,
		MaxPer30Days:         3,
		StabilityFloorDays:   3,
		StabilityPctOfMedian: 0.15,
		MonthlyDaySigmaMax:   3.0,
		InlierShare:          0.80,
		FixedCVMax:           0.05,
		VariableCVMax:        0.30,
		MinConfidence:        0.40,
		MaxIntervalDays:      400,
	}
}
