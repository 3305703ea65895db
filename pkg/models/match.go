package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PatternMatchState is the per-pattern snapshot the matcher decides against:
// the pattern, its streak, its single expected obligation (nil when the state
// needs repair), and the amounts of its most recent inlier transactions for
// re-estimating the next window.
type PatternMatchState struct {
	Pattern       Pattern
	Streak        PatternStreak
	Expected      *Obligation
	RecentAmounts []decimal.Decimal // newest-first inlier amounts, at most three
}

// MatchResult is everything the matcher decided for one incoming transaction.
// The store applies the whole result in a single database transaction; a
// concurrent writer invalidating any step aborts the transaction with
// ErrConflict and the job is retried on a fresh snapshot.
type MatchResult struct {
	TransactionID uuid.UUID
	Key           PatternKey
	Mutations     []PatternMutation
}

// Empty reports whether applying the result would change nothing.
func (r MatchResult) Empty() bool { return len(r.Mutations) == 0 }

// Fulfilled returns the id of the pattern that consumed the transaction, or
// false when the transaction matched nothing.
func (r MatchResult) Fulfilled() (uuid.UUID, bool) {
	for _, m := range r.Mutations {
		if m.Linked {
			return m.PatternID, true
		}
	}
	return uuid.Nil, false
}

// PatternMutation is the decided end-state for one pattern: the ordered
// obligation transitions, the replacement streak, and the resulting status.
type PatternMutation struct {
	PatternID uuid.UUID
	Ops       []ObligationOp
	Streak    PatternStreak
	Status    PatternStatus
	Linked    bool // link (pattern, transaction); set only on fulfilment
	Repaired  bool // an expected obligation was reconstructed or the pattern was parked
}

// ObligationOp is one ordered step over a pattern's obligation timeline.
// Exactly one field is set. MarkMissed and Fulfil resolve the current
// expected obligation; Create appends the next one. Order matters: the store
// executes ops sequentially so the one-expected-at-a-time invariant holds at
// every point inside the transaction.
type ObligationOp struct {
	MarkMissed *uuid.UUID
	Fulfil     *FulfilOp
	Create     *ObligationSeed
}

// FulfilOp resolves an expected obligation with the incoming transaction.
type FulfilOp struct {
	ObligationID  uuid.UUID
	TransactionID uuid.UUID
	DaysEarly     int // expected minus actual; negative when the payment ran late
}
