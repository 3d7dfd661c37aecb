package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionInitialize AuditAction = "INITIALIZE"
	AuditActionFund       AuditAction = "FUND"
	AuditActionPurchase   AuditAction = "PURCHASE"
	AuditActionClose      AuditAction = "CLOSE"
)

// AuditLog records which caller invoked a session operation, and from where.
type AuditLog struct {
	ID        uuid.UUID   `json:"id"`
	Caller    string      `json:"caller,omitempty"`
	Action    AuditAction `json:"action"`
	SessionID string      `json:"session_id,omitempty"`
	Details   string      `json:"details,omitempty"` // JSON string
	IPAddress string      `json:"ip_address"`
	CreatedAt time.Time   `json:"created_at"`
}
