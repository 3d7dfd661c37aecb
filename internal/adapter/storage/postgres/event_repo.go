package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, event_type, session_id, address, idempotency_key, payload, created_at`

// EventRepo implements ports.EventRepository on the session_events outbox.
type EventRepo struct {
	pool Pool
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(pool Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// Create appends an event within the transaction that produced it.
func (r *EventRepo) Create(ctx context.Context, tx pgx.Tx, rec *domain.EventRecord) error {
	query := `INSERT INTO session_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := tx.Exec(ctx, query,
		rec.ID, string(rec.Type), rec.SessionID, rec.Address.String(),
		rec.IdempotencyKey, []byte(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// GetByIdempotencyKey returns the event recorded under key for addr, or nil.
func (r *EventRepo) GetByIdempotencyKey(ctx context.Context, addr domain.Address, key string) (*domain.EventRecord, error) {
	query := `SELECT ` + eventColumns + ` FROM session_events WHERE address = $1 AND idempotency_key = $2`

	rec, err := scanEvent(r.pool.QueryRow(ctx, query, addr.String(), key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event by idempotency key: %w", err)
	}
	return rec, nil
}

// ListBySession returns a page of a session's events, newest first, and the total count.
func (r *EventRepo) ListBySession(ctx context.Context, params ports.EventListParams) ([]domain.EventRecord, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("address = $%d", argIdx))
	args = append(args, params.Address.String())
	argIdx++

	if params.Type != nil {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, string(*params.Type))
		argIdx++
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	// Count total
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM session_events %s", where)
	var total int64
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count session events: %w", err)
	}

	// Fetch page
	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM session_events %s
		ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, eventColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	rows, err := r.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list session events: %w", err)
	}
	defer rows.Close()

	var records []domain.EventRecord
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session event row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate session event rows: %w", err)
	}
	return records, total, nil
}

func scanEvent(row pgx.Row) (*domain.EventRecord, error) {
	var (
		rec       domain.EventRecord
		eventType string
		address   string
		payload   []byte
	)
	err := row.Scan(&rec.ID, &eventType, &rec.SessionID, &address, &rec.IdempotencyKey, &payload, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.Address, err = domain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	rec.Type = domain.EventType(eventType)
	rec.Payload = payload
	return &rec, nil
}
