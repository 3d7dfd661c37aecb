package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"time"

	"session-wallet/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// Clock supplies the current time to state transitions.
type Clock interface {
	Now() time.Time
}

// TransferRequest asks the custody service to move Amount from one holding to another.
// ToKind is the owner kind the destination must have; a missing destination
// is opened with it. The zero value means domain.OwnerExternal.
type TransferRequest struct {
	From   string
	To     string
	ToKind domain.OwnerKind
	Amount int64
	Auth   domain.Authorization
}

// CustodyService moves value between holdings.
// Transfer joins the caller's unit of work: it takes effect only if tx commits.
type CustodyService interface {
	Transfer(ctx context.Context, tx pgx.Tx, req TransferRequest) error
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// TokenService handles JWT token operations.
type TokenService interface {
	Generate(identity string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Identity string
}

// IdempotencyCache is the Redis-layer purchase idempotency check (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached receipt JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// EventPublisher delivers committed events to observers.
type EventPublisher interface {
	Publish(ctx context.Context, record *domain.EventRecord) error
}

// EventFeed hands committed events of one session to live subscribers.
// The returned cancel func unsubscribes and closes the channel.
type EventFeed interface {
	Subscribe(sessionID string) (<-chan domain.EventRecord, func())
}

// --- Service Ports (Business Logic) ---

// SessionService is the session wallet state machine.
type SessionService interface {
	InitializeSession(ctx context.Context, req InitializeRequest) (*domain.SessionWallet, error)
	FundSession(ctx context.Context, req FundRequest) (*domain.SessionWallet, error)
	ExecutePurchase(ctx context.Context, req PurchaseRequest) (*PurchaseReceipt, error)
	CloseSession(ctx context.Context, req CloseRequest) (*CloseReceipt, error)
	GetSession(ctx context.Context, sessionID string) (*domain.SessionWallet, error)
	ListEvents(ctx context.Context, sessionID string, page, pageSize int) ([]domain.EventRecord, int64, error)
	DeriveAddress(sessionID string) (domain.Address, uint8, error)
}

// InitializeRequest holds validated input for session creation.
type InitializeRequest struct {
	Caller         string
	SessionID      string
	InitialFunding int64
	SourceHolding  string
}

// FundRequest holds validated input for a top-up. Caller is the funder.
type FundRequest struct {
	Caller        string
	SessionID     string
	Amount        int64
	SourceHolding string
}

// PurchaseRequest holds validated input for a disbursement.
type PurchaseRequest struct {
	Caller           string
	SessionID        string
	Amount           int64
	ServiceID        string
	RecipientHolding string
	IdempotencyKey   string // optional
}

// PurchaseReceipt is the outcome of a disbursement.
type PurchaseReceipt struct {
	EventID          string `json:"event_id"`
	SessionID        string `json:"session_id"`
	ServiceID        string `json:"service_id"`
	Amount           int64  `json:"amount"`
	RemainingBalance int64  `json:"remaining_balance"`
	Timestamp        int64  `json:"timestamp"`
	Replayed         bool   `json:"replayed"`
}

// CloseRequest holds validated input for session finalization.
type CloseRequest struct {
	Caller          string
	SessionID       string
	TreasuryHolding string
}

// CloseReceipt is the outcome of a close.
type CloseReceipt struct {
	SessionID      string `json:"session_id"`
	RefundedAmount int64  `json:"refunded_amount"`
	TotalSpent     int64  `json:"total_spent"`
	TotalFunded    int64  `json:"total_funded"`
	Timestamp      int64  `json:"timestamp"`
}

// AuditService records audit entries.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   int64 // Unix timestamp
}
