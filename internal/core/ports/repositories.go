package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"errors"

	"session-wallet/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// ErrAddressOccupied is returned by SessionRepository.Create when a record,
// active or closed, already exists at the derived address.
var ErrAddressOccupied = errors.New("address already occupied")

// SessionRepository is the ledger account store for session wallets.
// Methods accepting pgx.Tx run inside a unit of work; *ForUpdate reads lock the
// record until that unit commits or rolls back.
type SessionRepository interface {
	Create(ctx context.Context, tx pgx.Tx, wallet *domain.SessionWallet) error
	GetByAddress(ctx context.Context, addr domain.Address) (*domain.SessionWallet, error)
	GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, addr domain.Address) (*domain.SessionWallet, error)
	Update(ctx context.Context, tx pgx.Tx, wallet *domain.SessionWallet) error
}

// ErrHoldingExists is returned by HoldingRepository.Create when the id is taken,
// including by a unit of work that committed while Create waited on it.
var ErrHoldingExists = errors.New("holding already exists")

// HoldingRepository persists custody holdings.
type HoldingRepository interface {
	Create(ctx context.Context, tx pgx.Tx, holding *domain.Holding) error
	GetByID(ctx context.Context, id string) (*domain.Holding, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Holding, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, id string, balance int64) error
}

// EventRepository is the outbox of emitted session events.
type EventRepository interface {
	Create(ctx context.Context, tx pgx.Tx, record *domain.EventRecord) error
	GetByIdempotencyKey(ctx context.Context, addr domain.Address, key string) (*domain.EventRecord, error)
	ListBySession(ctx context.Context, params EventListParams) ([]domain.EventRecord, int64, error)
}

// EventListParams holds filter + pagination for listing session events.
type EventListParams struct {
	Address  domain.Address
	Type     *domain.EventType
	Page     int
	PageSize int
}

// AuditRepository persists audit logs.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
