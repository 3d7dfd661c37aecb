package memory

import (
	"context"
	"fmt"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// SessionRepo implements ports.SessionRepository on a Store.
type SessionRepo struct {
	store *Store
}

// NewSessionRepo creates a new SessionRepo.
func NewSessionRepo(store *Store) *SessionRepo {
	return &SessionRepo{store: store}
}

// Create locks the address and stages the record.
func (r *SessionRepo) Create(ctx context.Context, tx pgx.Tx, w *domain.SessionWallet) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, sessionKey(w.Address)); err != nil {
		return err
	}
	if _, ok := t.sessions[w.Address]; ok {
		return ports.ErrAddressOccupied
	}
	if _, ok := r.committed(w.Address); ok {
		return ports.ErrAddressOccupied
	}
	t.sessions[w.Address] = *w
	return nil
}

// GetByAddress reads committed state without locking.
func (r *SessionRepo) GetByAddress(ctx context.Context, addr domain.Address) (*domain.SessionWallet, error) {
	w, ok := r.committed(addr)
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// GetByAddressForUpdate locks the record for the life of tx.
func (r *SessionRepo) GetByAddressForUpdate(ctx context.Context, tx pgx.Tx, addr domain.Address) (*domain.SessionWallet, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, sessionKey(addr)); err != nil {
		return nil, err
	}
	if w, ok := t.sessions[addr]; ok {
		return &w, nil
	}
	w, ok := r.committed(addr)
	if !ok {
		return nil, nil
	}
	return &w, nil
}

// Update stages a full replacement of the record.
func (r *SessionRepo) Update(ctx context.Context, tx pgx.Tx, w *domain.SessionWallet) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, sessionKey(w.Address)); err != nil {
		return err
	}
	if _, ok := t.sessions[w.Address]; !ok {
		if _, ok := r.committed(w.Address); !ok {
			return fmt.Errorf("session wallet not found: %s", w.Address)
		}
	}
	t.sessions[w.Address] = *w
	return nil
}

func (r *SessionRepo) committed(addr domain.Address) (domain.SessionWallet, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	w, ok := r.store.sessions[addr]
	return w, ok
}
