package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventFundsAdded       EventType = "FUNDS_ADDED"
	EventPurchaseExecuted EventType = "PURCHASE_EXECUTED"
	EventSessionClosed    EventType = "SESSION_CLOSED"
)

// SessionCreated is emitted once by initialize.
type SessionCreated struct {
	SessionID      string  `json:"session_id"`
	Address        Address `json:"address"`
	InitialFunding int64   `json:"initial_funding"`
	Timestamp      int64   `json:"timestamp"`
}

// FundsAdded is emitted by every successful top-up.
type FundsAdded struct {
	SessionID  string `json:"session_id"`
	Amount     int64  `json:"amount"`
	NewBalance int64  `json:"new_balance"`
	Timestamp  int64  `json:"timestamp"`
}

// PurchaseExecuted is emitted by every disbursement.
type PurchaseExecuted struct {
	SessionID        string `json:"session_id"`
	ServiceID        string `json:"service_id"`
	Amount           int64  `json:"amount"`
	RemainingBalance int64  `json:"remaining_balance"`
	Timestamp        int64  `json:"timestamp"`
}

// SessionClosed is emitted by close.
// TotalSpent is InitialBalance + TotalFunded - RefundedAmount.
type SessionClosed struct {
	SessionID      string `json:"session_id"`
	RefundedAmount int64  `json:"refunded_amount"`
	TotalSpent     int64  `json:"total_spent"`
	TotalFunded    int64  `json:"total_funded"`
	Timestamp      int64  `json:"timestamp"`
}

// EventRecord is the persisted envelope of an emitted event.
type EventRecord struct {
	ID             uuid.UUID       `json:"id"`
	Type           EventType       `json:"type"`
	SessionID      string          `json:"session_id"`
	Address        Address         `json:"address"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewEventRecord wraps payload into a record stamped at now.
func NewEventRecord(eventType EventType, w *SessionWallet, payload any, now time.Time) (*EventRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &EventRecord{
		ID:        uuid.New(),
		Type:      eventType,
		SessionID: w.SessionID,
		Address:   w.Address,
		Payload:   raw,
		CreatedAt: now,
	}, nil
}

// Decode unmarshals the payload into v.
func (e *EventRecord) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// BuildPurchaseIdempotencyKey scopes a caller-supplied key to one session and
// one caller. The caller is length-prefixed so no identity can forge another's scope.
func BuildPurchaseIdempotencyKey(addr Address, caller, key string) string {
	return fmt.Sprintf("%s:purchase:%d:%s:%s", addr, len(caller), caller, key)
}
