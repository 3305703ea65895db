package models

import (
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction tells whether the user's account was debited or credited.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == DirectionDebit || d == DirectionCredit
}

// Transaction is an immutable ledger fact written by the ingestion producer.
// The engine reads and links transactions; it never mutates them.
type Transaction struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"userId"`
	PayeeID         uuid.UUID       `json:"payeeId"`
	Direction       Direction       `json:"direction"`
	CurrencyID      string          `json:"currencyId"`
	OccurredAt      time.Time       `json:"occurredAt"`
	Amount          decimal.Decimal `json:"amount"` // non-negative, NUMERIC(14,2) in the store
	SourceMessageID string          `json:"sourceMessageId"`
	CreatedAt       time.Time       `json:"createdAt,omitempty"`
}

// Date is the transaction's calendar day at UTC midnight. All interval and
// tolerance arithmetic works on whole days.
func (t Transaction) Date() time.Time {
	return DateOnly(t.OccurredAt)
}

// Key is the series namespace the transaction can match or seed.
func (t Transaction) Key() PatternKey {
	return PatternKey{
		UserID:     t.UserID,
		PayeeID:    t.PayeeID,
		Direction:  t.Direction,
		CurrencyID: t.CurrencyID,
	}
}

// PatternKey identifies one (user, payee, direction, currency) namespace.
// Currencies never mix across keys; neither do directions.
type PatternKey struct {
	UserID     uuid.UUID `json:"userId"`
	PayeeID    uuid.UUID `json:"payeeId"`
	Direction  Direction `json:"direction"`
	CurrencyID string    `json:"currencyId"`
}

// Shard maps the key onto one of n matcher workers. Every event for a key
// lands on the same worker, which serialises obligation transitions.
func (k PatternKey) Shard(n int) int {
	h := fnv.New32a()
	h.Write(k.UserID[:])
	h.Write(k.PayeeID[:])
	h.Write([]byte(k.Direction))
	h.Write([]byte(k.CurrencyID))
	return int(h.Sum32() % uint32(n))
}

// String renders the key for logs.
func (k PatternKey) String() string {
	return k.UserID.String() + "/" + k.PayeeID.String() + "/" + string(k.Direction) + "/" + k.CurrencyID
}

// UserLockKey derives the 64-bit advisory-lock key that serialises discovery
// runs for one user.
func UserLockKey(userID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(userID[:])
	return int64(h.Sum64())
}

// DateOnly truncates t to UTC midnight.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns b minus a in whole days. Both arguments are normalised
// to UTC midnight first, so the result is exact regardless of time of day.
func DaysBetween(a, b time.Time) int {
	return int(DateOnly(b).Sub(DateOnly(a)).Hours() / 24)
}
