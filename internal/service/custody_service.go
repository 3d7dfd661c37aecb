package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/apperror"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// LedgerCustody implements ports.CustodyService over a HoldingRepository.
// A transfer out of a holding must be authorized by the holding's owner.
type LedgerCustody struct {
	holdings   ports.HoldingRepository
	transactor ports.DBTransactor
	clock      ports.Clock
	log        zerolog.Logger
}

// NewLedgerCustody creates a new LedgerCustody.
func NewLedgerCustody(holdings ports.HoldingRepository, transactor ports.DBTransactor, clock ports.Clock, log zerolog.Logger) *LedgerCustody {
	return &LedgerCustody{
		holdings:   holdings,
		transactor: transactor,
		clock:      clock,
		log:        log,
	}
}

// Transfer moves req.Amount between holdings inside tx.
// A missing destination holding is opened with req.ToKind and owned by its id.
func (c *LedgerCustody) Transfer(ctx context.Context, tx pgx.Tx, req ports.TransferRequest) error {
	if req.Amount <= 0 {
		return apperror.ErrInvalidAmount()
	}
	if req.From == req.To {
		return apperror.Validation("source and destination holdings must differ")
	}

	kind, signer, err := signerOf(req.Auth)
	if err != nil {
		return err
	}
	toKind := req.ToKind
	if toKind == "" {
		toKind = domain.OwnerExternal
	}

	// Lock in id order so opposite transfers cannot deadlock.
	ids := []string{req.From, req.To}
	sort.Strings(ids)
	locked := make(map[string]*domain.Holding, 2)
	for _, id := range ids {
		h, err := c.holdings.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return apperror.InternalError(fmt.Errorf("lock holding %s: %w", id, err))
		}
		locked[id] = h
	}

	src := locked[req.From]
	if src == nil {
		return apperror.ErrNotFound("holding")
	}
	if src.Kind() != kind || src.Owner != signer {
		return apperror.ErrUnauthorized()
	}
	remaining, ok := domain.CheckedSub(src.Balance, req.Amount)
	if !ok {
		return apperror.ErrInsufficientFunds()
	}

	dst := locked[req.To]
	if dst == nil {
		if dst, err = c.openLocked(ctx, tx, req.To, toKind); err != nil {
			return err
		}
	}
	if dst.Kind() != toKind {
		return apperror.ErrHoldingMismatch()
	}
	credited, ok := domain.CheckedAdd(dst.Balance, req.Amount)
	if !ok {
		return apperror.ErrOverflow()
	}
	if err := c.holdings.UpdateBalance(ctx, tx, dst.ID, credited); err != nil {
		return apperror.InternalError(fmt.Errorf("credit holding: %w", err))
	}
	if err := c.holdings.UpdateBalance(ctx, tx, src.ID, remaining); err != nil {
		return apperror.InternalError(fmt.Errorf("debit holding: %w", err))
	}

	c.log.Debug().
		Str("from", req.From).
		Str("to", req.To).
		Int64("amount", req.Amount).
		Msg("custody transfer staged")
	return nil
}

// openLocked opens an empty holding and returns it locked. When a concurrent
// unit of work opened the same id first, its committed row is locked instead.
func (c *LedgerCustody) openLocked(ctx context.Context, tx pgx.Tx, id string, kind domain.OwnerKind) (*domain.Holding, error) {
	now := c.clock.Now()
	err := c.holdings.Create(ctx, tx, &domain.Holding{
		ID:        id,
		Owner:     id,
		OwnerKind: kind,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, ports.ErrHoldingExists) {
		return nil, apperror.InternalError(fmt.Errorf("open holding: %w", err))
	}
	h, err := c.holdings.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock holding %s: %w", id, err))
	}
	if h == nil {
		return nil, apperror.InternalError(fmt.Errorf("holding %s vanished after open", id))
	}
	return h, nil
}

// Balance returns the committed balance of a holding.
func (c *LedgerCustody) Balance(ctx context.Context, id string) (int64, error) {
	h, err := c.holdings.GetByID(ctx, id)
	if err != nil {
		return 0, apperror.InternalError(fmt.Errorf("get holding: %w", err))
	}
	if h == nil {
		return 0, apperror.ErrNotFound("holding")
	}
	return h.Balance, nil
}

// Open creates a holding in its own unit of work.
func (c *LedgerCustody) Open(ctx context.Context, h *domain.Holding) error {
	if h.ID == "" || h.Owner == "" {
		return apperror.Validation("holding id and owner are required")
	}
	if h.Balance < 0 {
		return apperror.ErrInvalidAmount()
	}
	if h.Kind() != domain.OwnerExternal {
		return apperror.Validation("only external holdings can be opened directly")
	}
	h.OwnerKind = domain.OwnerExternal

	dbTx, err := c.transactor.Begin(ctx)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	existing, err := c.holdings.GetByIDForUpdate(ctx, dbTx, h.ID)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("lock holding: %w", err))
	}
	if existing != nil {
		return apperror.Validation("holding already exists")
	}

	now := c.clock.Now()
	h.CreatedAt, h.UpdatedAt = now, now
	if err := c.holdings.Create(ctx, dbTx, h); err != nil {
		if errors.Is(err, ports.ErrHoldingExists) {
			return apperror.Validation("holding already exists")
		}
		return apperror.InternalError(fmt.Errorf("create holding: %w", err))
	}
	if err := dbTx.Commit(ctx); err != nil {
		return apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// signerOf resolves an authorization to the owner it speaks for.
// Derived and external owners live in separate namespaces, so an external
// identity equal to a session address never controls that session's holding.
func signerOf(auth domain.Authorization) (domain.OwnerKind, string, error) {
	switch a := auth.(type) {
	case domain.ExternalSignature:
		if a.Identity == "" {
			return "", "", apperror.ErrUnauthorized()
		}
		return domain.OwnerExternal, a.Identity, nil
	case domain.DerivedCapability:
		addr, err := a.Address()
		if err != nil {
			return "", "", apperror.ErrUnauthorized()
		}
		return domain.OwnerDerived, addr.String(), nil
	default:
		return "", "", apperror.ErrUnauthorized()
	}
}
