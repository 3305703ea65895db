package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the lifecycle events published on the websocket stream.
type EventType string

const (
	EventPatternDiscovered   EventType = "pattern.discovered"
	EventPatternUpdated      EventType = "pattern.updated"
	EventPatternStatusChange EventType = "pattern.status_changed"
	EventPatternRepaired     EventType = "pattern.repaired"
	EventObligationFulfilled EventType = "obligation.fulfilled"
	EventObligationMissed    EventType = "obligation.missed"
)

// PatternEvent is the real-time notification sent to subscribed clients when
// discovery or the matcher changes pattern state.
type PatternEvent struct {
	Type          EventType     `json:"type"`
	UserID        uuid.UUID     `json:"userId"`
	PatternID     uuid.UUID     `json:"patternId"`
	PayeeID       uuid.UUID     `json:"payeeId"`
	ObligationID  *uuid.UUID    `json:"obligationId,omitempty"`
	TransactionID *uuid.UUID    `json:"transactionId,omitempty"`
	Status        PatternStatus `json:"status,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// DeadLetter records a matcher job that exhausted its retry budget. Dead
// letters are never dropped; operators inspect and re-drive them.
type DeadLetter struct {
	ID            int64     `json:"id"`
	TransactionID uuid.UUID `json:"transactionId"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError"`
	CreatedAt     time.Time `json:"createdAt"`
}
