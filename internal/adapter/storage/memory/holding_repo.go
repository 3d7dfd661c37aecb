package memory

import (
	"context"
	"fmt"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// HoldingRepo implements ports.HoldingRepository on a Store.
type HoldingRepo struct {
	store *Store
}

// NewHoldingRepo creates a new HoldingRepo.
func NewHoldingRepo(store *Store) *HoldingRepo {
	return &HoldingRepo{store: store}
}

func (r *HoldingRepo) Create(ctx context.Context, tx pgx.Tx, h *domain.Holding) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, holdingKey(h.ID)); err != nil {
		return err
	}
	if _, ok := t.holdings[h.ID]; ok {
		return ports.ErrHoldingExists
	}
	if _, ok := r.committed(h.ID); ok {
		return ports.ErrHoldingExists
	}
	t.holdings[h.ID] = *h
	return nil
}

func (r *HoldingRepo) GetByID(ctx context.Context, id string) (*domain.Holding, error) {
	h, ok := r.committed(id)
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (r *HoldingRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Holding, error) {
	t, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	if err := t.lock(ctx, holdingKey(id)); err != nil {
		return nil, err
	}
	if h, ok := t.holdings[id]; ok {
		return &h, nil
	}
	h, ok := r.committed(id)
	if !ok {
		return nil, nil
	}
	return &h, nil
}

func (r *HoldingRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, id string, balance int64) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	if err := t.lock(ctx, holdingKey(id)); err != nil {
		return err
	}
	h, ok := t.holdings[id]
	if !ok {
		if h, ok = r.committed(id); !ok {
			return fmt.Errorf("holding not found: %s", id)
		}
	}
	h.Balance = balance
	h.UpdatedAt = time.Now().UTC()
	t.holdings[id] = h
	return nil
}

// Seed opens a holding outside any unit of work, replacing an existing one.
func (r *HoldingRepo) Seed(h domain.Holding) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.holdings[h.ID] = h
}

func (r *HoldingRepo) committed(id string) (domain.Holding, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	h, ok := r.store.holdings[id]
	return h, ok
}
