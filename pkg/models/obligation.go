package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ObligationStatus is the obligation lifecycle state. expected is the only
// live state; the rest are terminal and kept for audit.
type ObligationStatus string

const (
	ObligationExpected  ObligationStatus = "expected"
	ObligationFulfilled ObligationStatus = "fulfilled"
	ObligationMissed    ObligationStatus = "missed"
	ObligationCancelled ObligationStatus = "cancelled"
)

// Obligation is one expected future occurrence of a pattern. In steady state
// every active or paused pattern has exactly one expected obligation.
type Obligation struct {
	ID                       uuid.UUID        `json:"id"`
	PatternID                uuid.UUID        `json:"patternId"`
	ExpectedDate             time.Time        `json:"expectedDate"` // UTC midnight
	ToleranceDays            int              `json:"toleranceDays"`
	ExpectedMinAmount        decimal.Decimal  `json:"expectedMinAmount"` // forecasting only, never a match criterion
	ExpectedMaxAmount        decimal.Decimal  `json:"expectedMaxAmount"`
	Status                   ObligationStatus `json:"status"`
	FulfilledByTransactionID *uuid.UUID       `json:"fulfilledByTransactionId,omitempty"`
	FulfilledAt              *time.Time       `json:"fulfilledAt,omitempty"`
	DaysEarly                *int             `json:"daysEarly,omitempty"` // expected minus actual; negative when late
	CreatedAt                time.Time        `json:"createdAt,omitempty"`
}

// WindowContains reports whether day falls inside the inclusive
// [expected-tolerance, expected+tolerance] window, in whole days.
func (o Obligation) WindowContains(day time.Time) bool {
	d := DaysBetween(o.ExpectedDate, day)
	return d >= -o.ToleranceDays && d <= o.ToleranceDays
}

// Overdue reports whether day lies strictly beyond the window's right edge,
// which is what triggers the lazy miss sweep.
func (o Obligation) Overdue(day time.Time) bool {
	return DaysBetween(o.ExpectedDate, day) > o.ToleranceDays
}

// ObligationSeed describes an expected obligation to create: the roll after a
// fulfilment or miss, the O0 at pattern creation, or a repair replacement.
// ID may be left zero, in which case persistence assigns one at insert; the
// matcher pre-assigns it when a later op in the same decision must reference
// the new obligation.
type ObligationSeed struct {
	ID            uuid.UUID       `json:"id,omitempty"`
	PatternID     uuid.UUID       `json:"patternId"`
	ExpectedDate  time.Time       `json:"expectedDate"`
	ToleranceDays int             `json:"toleranceDays"`
	MinAmount     decimal.Decimal `json:"minAmount"`
	MaxAmount     decimal.Decimal `json:"maxAmount"`
}
