package memory

import (
	"context"
	"sort"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

// EventRepo implements ports.EventRepository on a Store.
type EventRepo struct {
	store *Store
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(store *Store) *EventRepo {
	return &EventRepo{store: store}
}

// Create stages an event; it becomes visible when tx commits.
func (r *EventRepo) Create(ctx context.Context, tx pgx.Tx, rec *domain.EventRecord) error {
	t, err := asTx(tx)
	if err != nil {
		return err
	}
	t.events = append(t.events, *rec)
	return nil
}

func (r *EventRepo) GetByIdempotencyKey(ctx context.Context, addr domain.Address, key string) (*domain.EventRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for i := range r.store.events {
		rec := r.store.events[i]
		if rec.Address == addr && rec.IdempotencyKey != nil && *rec.IdempotencyKey == key {
			return &rec, nil
		}
	}
	return nil, nil
}

// ListBySession returns a page of events for one address, newest first.
func (r *EventRepo) ListBySession(ctx context.Context, params ports.EventListParams) ([]domain.EventRecord, int64, error) {
	r.store.mu.RLock()
	var matched []domain.EventRecord
	for _, rec := range r.store.events {
		if rec.Address != params.Address {
			continue
		}
		if params.Type != nil && rec.Type != *params.Type {
			continue
		}
		matched = append(matched, rec)
	}
	r.store.mu.RUnlock()

	// Commit order is the tiebreak for equal timestamps.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	offset := (params.Page - 1) * params.PageSize
	if offset < 0 || offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + params.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}
