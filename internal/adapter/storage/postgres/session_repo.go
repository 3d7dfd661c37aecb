package postgres

import (
	"context"
	"errors"
	"fmt"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `address, session_id, authority, bump, initial_balance, current_balance,
		total_funded, total_spent, is_active, created_at, last_activity`

// SessionRepo implements ports.SessionRepository.
type SessionRepo struct {
	pool Pool
}

// NewSessionRepo creates a new SessionRepo.
func NewSessionRepo(pool Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

// Create inserts a new session record. A record at the same address, active
// or closed, yields ports.ErrAddressOccupied.
func (r *SessionRepo) Create(ctx context.Context, tx pgx.Tx, w *domain.SessionWallet) error {
	query := `INSERT INTO session_wallets (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address) DO NOTHING`

	tag, err := tx.Exec(ctx, query,
		w.Address.String(), w.SessionID, w.Authority, int16(w.Bump),
		w.InitialBalance, w.CurrentBalance, w.TotalFunded, w.TotalSpent,
		w.IsActive, w.CreatedAt, w.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrAddressOccupied
	}
	return nil
}

// GetByAddress fetches a session record without locking.
func (r *SessionRepo) GetByAddress(ctx context.Context, addr domain.Address) (*domain.SessionWallet, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_wallets WHERE address = $1`

	w, err := scanSession(r.pool.QueryRow(ctx, query, addr.String()))
	if err != nil {
		return nil, fmt.Errorf("get session by address: %w", err)
	}
	return w, nil
}

// GetByAddressForUpdate fetches a session record with pessimistic locking.
// This MUST be called within a transaction.
func (r *SessionRepo) GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, addr domain.Address) (*domain.SessionWallet, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_wallets WHERE address = $1 FOR UPDATE`

	w, err := scanSession(tx.QueryRow(ctx, query, addr.String()))
	if err != nil {
		return nil, fmt.Errorf("get session for update: %w", err)
	}
	return w, nil
}

// Update replaces the mutable fields of a session record.
func (r *SessionRepo) Update(ctx context.Context, tx pgx.Tx, w *domain.SessionWallet) error {
	query := `UPDATE session_wallets
		SET current_balance = $1, total_funded = $2, total_spent = $3, is_active = $4, last_activity = $5
		WHERE address = $6`

	tag, err := tx.Exec(ctx, query,
		w.CurrentBalance, w.TotalFunded, w.TotalSpent, w.IsActive, w.LastActivity,
		w.Address.String(),
	)
	if err != nil {
		return fmt.Errorf("update session wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session wallet not found: %s", w.Address)
	}
	return nil
}

// scanSession returns (nil, nil) when the row does not exist.
func scanSession(row pgx.Row) (*domain.SessionWallet, error) {
	var (
		w       domain.SessionWallet
		address string
		bump    int16
	)
	err := row.Scan(
		&address, &w.SessionID, &w.Authority, &bump,
		&w.InitialBalance, &w.CurrentBalance, &w.TotalFunded, &w.TotalSpent,
		&w.IsActive, &w.CreatedAt, &w.LastActivity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	w.Address, err = domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	w.Bump = uint8(bump)
	return &w, nil
}
