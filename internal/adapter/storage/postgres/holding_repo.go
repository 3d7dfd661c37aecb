package postgres

import (
	"context"
	"errors"
	"fmt"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// HoldingRepo implements ports.HoldingRepository.
type HoldingRepo struct {
	pool Pool
}

// NewHoldingRepo creates a new HoldingRepo.
func NewHoldingRepo(pool Pool) *HoldingRepo {
	return &HoldingRepo{pool: pool}
}

// Create opens a holding within a transaction.
// A conflicting insert waits for the other unit of work and then reports
// ports.ErrHoldingExists instead of failing the transaction.
func (r *HoldingRepo) Create(ctx context.Context, tx pgx.Tx, h *domain.Holding) error {
	query := `INSERT INTO holdings (id, owner, owner_kind, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	tag, err := tx.Exec(ctx, query, h.ID, h.Owner, string(h.Kind()), h.Balance, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert holding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrHoldingExists
	}
	return nil
}

// GetByID fetches a holding (non-locking read).
func (r *HoldingRepo) GetByID(ctx context.Context, id string) (*domain.Holding, error) {
	query := `SELECT id, owner, owner_kind, balance, created_at, updated_at FROM holdings WHERE id = $1`

	h, err := scanHolding(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get holding by id: %w", err)
	}
	return h, nil
}

// GetByIDForUpdate fetches a holding with pessimistic locking.
// This MUST be called within a transaction.
func (r *HoldingRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Holding, error) {
	query := `SELECT id, owner, owner_kind, balance, created_at, updated_at FROM holdings WHERE id = $1 FOR UPDATE`

	h, err := scanHolding(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get holding for update: %w", err)
	}
	return h, nil
}

// UpdateBalance sets a holding's balance within a transaction.
func (r *HoldingRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, id string, balance int64) error {
	query := `UPDATE holdings SET balance = $1, updated_at = NOW() WHERE id = $2`

	tag, err := tx.Exec(ctx, query, balance, id)
	if err != nil {
		return fmt.Errorf("update holding balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("holding not found: %s", id)
	}
	return nil
}

func scanHolding(row pgx.Row) (*domain.Holding, error) {
	var (
		h    domain.Holding
		kind string
	)
	if err := row.Scan(&h.ID, &h.Owner, &kind, &h.Balance, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.OwnerKind = domain.OwnerKind(kind)
	return &h, nil
}
