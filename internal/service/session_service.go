package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/apperror"
	"session-wallet/pkg/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	publishTimeout        = 5 * time.Second

	defaultEventPageSize = 20
	maxEventPageSize     = 100
)

// SessionServiceDeps wires a SessionServiceImpl. IdempCache, Publisher and
// Metrics are optional.
type SessionServiceDeps struct {
	Sessions   ports.SessionRepository
	Events     ports.EventRepository
	Custody    ports.CustodyService
	Transactor ports.DBTransactor
	Clock      ports.Clock
	IdempCache ports.IdempotencyCache
	Publisher  ports.EventPublisher
	Metrics    *metrics.Metrics
	Log        zerolog.Logger

	Program           domain.ProgramID
	RestrictPurchases bool
	IdempotencyTTL    time.Duration
}

// SessionServiceImpl implements ports.SessionService.
type SessionServiceImpl struct {
	sessions   ports.SessionRepository
	events     ports.EventRepository
	custody    ports.CustodyService
	transactor ports.DBTransactor
	clock      ports.Clock
	idempCache ports.IdempotencyCache
	publisher  ports.EventPublisher
	metrics    *metrics.Metrics
	log        zerolog.Logger

	program           domain.ProgramID
	restrictPurchases bool
	idempotencyTTL    time.Duration
}

// NewSessionService creates a new SessionServiceImpl.
func NewSessionService(d SessionServiceDeps) *SessionServiceImpl {
	ttl := d.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	clock := d.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &SessionServiceImpl{
		sessions:          d.Sessions,
		events:            d.Events,
		custody:           d.Custody,
		transactor:        d.Transactor,
		clock:             clock,
		idempCache:        d.IdempCache,
		publisher:         d.Publisher,
		metrics:           d.Metrics,
		log:               d.Log,
		program:           d.Program,
		restrictPurchases: d.RestrictPurchases,
		idempotencyTTL:    ttl,
	}
}

// InitializeSession creates the wallet at the address derived from req.SessionID
// and moves the initial funding from the caller's holding into it.
func (s *SessionServiceImpl) InitializeSession(ctx context.Context, req ports.InitializeRequest) (w *domain.SessionWallet, err error) {
	defer func() { s.metrics.ObserveOperation("initialize", err) }()

	if err := validateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	if req.InitialFunding < 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.Caller == "" {
		return nil, apperror.ErrUnauthorized()
	}

	addr, bump, err := domain.FindSessionAddress(s.program, req.SessionID)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("derive address: %w", err))
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	now := s.clock.Now()
	wallet := &domain.SessionWallet{
		Address:        addr,
		Authority:      req.Caller,
		SessionID:      req.SessionID,
		CreatedAt:      now,
		LastActivity:   now,
		InitialBalance: req.InitialFunding,
		CurrentBalance: req.InitialFunding,
		IsActive:       true,
		Bump:           bump,
	}

	if err := s.sessions.Create(ctx, dbTx, wallet); err != nil {
		if errors.Is(err, ports.ErrAddressOccupied) {
			return nil, apperror.ErrAddressOccupied(err)
		}
		return nil, apperror.InternalError(fmt.Errorf("create session: %w", err))
	}

	if req.InitialFunding > 0 {
		if err := s.custody.Transfer(ctx, dbTx, ports.TransferRequest{
			From:   defaultHolding(req.SourceHolding, req.Caller),
			To:     wallet.HoldingID(),
			ToKind: domain.OwnerDerived,
			Amount: req.InitialFunding,
			Auth:   domain.ExternalSignature{Identity: req.Caller},
		}); err != nil {
			return nil, asAppError("fund session", err)
		}
	}

	rec, err := s.appendEvent(ctx, dbTx, domain.EventSessionCreated, wallet, domain.SessionCreated{
		SessionID:      wallet.SessionID,
		Address:        wallet.Address,
		InitialFunding: req.InitialFunding,
		Timestamp:      now.Unix(),
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.AddFunded(req.InitialFunding)
	s.publish(ctx, rec)

	s.log.Info().
		Str("session_id", wallet.SessionID).
		Str("address", wallet.Address.String()).
		Str("authority", wallet.Authority).
		Int64("amount", req.InitialFunding).
		Msg("session initialized")

	return wallet, nil
}

// FundSession tops up an active session. Any caller may fund.
func (s *SessionServiceImpl) FundSession(ctx context.Context, req ports.FundRequest) (w *domain.SessionWallet, err error) {
	defer func() { s.metrics.ObserveOperation("fund", err) }()

	if req.Amount < 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.Caller == "" {
		return nil, apperror.ErrUnauthorized()
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.lockSession(ctx, dbTx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !wallet.IsActive {
		return nil, apperror.ErrSessionClosed()
	}

	newBalance, ok := domain.CheckedAdd(wallet.CurrentBalance, req.Amount)
	if !ok {
		return nil, apperror.ErrOverflow()
	}
	newFunded, ok := domain.CheckedAdd(wallet.TotalFunded, req.Amount)
	if !ok {
		return nil, apperror.ErrOverflow()
	}

	if req.Amount > 0 {
		if err := s.custody.Transfer(ctx, dbTx, ports.TransferRequest{
			From:   defaultHolding(req.SourceHolding, req.Caller),
			To:     wallet.HoldingID(),
			ToKind: domain.OwnerDerived,
			Amount: req.Amount,
			Auth:   domain.ExternalSignature{Identity: req.Caller},
		}); err != nil {
			return nil, asAppError("fund session", err)
		}
	}

	now := s.clock.Now()
	wallet.CurrentBalance = newBalance
	wallet.TotalFunded = newFunded
	wallet.LastActivity = now

	if err := s.sessions.Update(ctx, dbTx, wallet); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update session: %w", err))
	}

	rec, err := s.appendEvent(ctx, dbTx, domain.EventFundsAdded, wallet, domain.FundsAdded{
		SessionID:  wallet.SessionID,
		Amount:     req.Amount,
		NewBalance: newBalance,
		Timestamp:  now.Unix(),
	}, nil)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.AddFunded(req.Amount)
	s.publish(ctx, rec)

	s.log.Info().
		Str("session_id", wallet.SessionID).
		Str("funder", req.Caller).
		Int64("amount", req.Amount).
		Int64("balance", newBalance).
		Msg("session funded")

	return wallet, nil
}

// ExecutePurchase disburses req.Amount from the session to the recipient
// holding, authorized by the session's derived capability.
func (s *SessionServiceImpl) ExecutePurchase(ctx context.Context, req ports.PurchaseRequest) (receipt *ports.PurchaseReceipt, err error) {
	defer func() { s.metrics.ObserveOperation("purchase", err) }()

	if req.Amount < 0 {
		return nil, apperror.ErrInvalidAmount()
	}
	if req.Caller == "" {
		return nil, apperror.ErrUnauthorized()
	}
	if req.RecipientHolding == "" {
		return nil, apperror.Validation("recipient holding is required")
	}

	addr, _, err := s.DeriveAddress(req.SessionID)
	if err != nil {
		return nil, err
	}

	var idempKey *string
	if req.IdempotencyKey != "" {
		key := domain.BuildPurchaseIdempotencyKey(addr, req.Caller, req.IdempotencyKey)
		idempKey = &key

		// Layer 1: Redis, Layer 2: outbox
		if prior, err := s.lookupReceipt(ctx, addr, key); err != nil || prior != nil {
			if err != nil {
				return nil, err
			}
			return replayReceipt(prior, req)
		}
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.lockSession(ctx, dbTx, req.SessionID)
	if err != nil {
		return nil, err
	}

	// A concurrent purchase with the same key may have committed while we waited.
	if idempKey != nil {
		prior, err := s.storedReceipt(ctx, addr, *idempKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return replayReceipt(prior, req)
		}
	}

	if !wallet.IsActive {
		return nil, apperror.ErrSessionClosed()
	}
	if s.restrictPurchases && !wallet.IsAuthority(req.Caller) {
		return nil, apperror.ErrUnauthorized()
	}
	if req.Amount > wallet.CurrentBalance {
		return nil, apperror.ErrInsufficientBalance()
	}
	remaining, ok := domain.CheckedSub(wallet.CurrentBalance, req.Amount)
	if !ok {
		return nil, apperror.ErrOverflow()
	}
	spent, ok := domain.CheckedAdd(wallet.TotalSpent, req.Amount)
	if !ok {
		return nil, apperror.ErrOverflow()
	}

	if req.Amount > 0 {
		if err := s.custody.Transfer(ctx, dbTx, ports.TransferRequest{
			From:   wallet.HoldingID(),
			To:     req.RecipientHolding,
			Amount: req.Amount,
			Auth:   domain.SignerFor(wallet, s.program),
		}); err != nil {
			return nil, asAppError("disburse", err)
		}
	}

	now := s.clock.Now()
	wallet.CurrentBalance = remaining
	wallet.TotalSpent = spent
	wallet.LastActivity = now

	if err := s.sessions.Update(ctx, dbTx, wallet); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update session: %w", err))
	}

	rec, err := s.appendEvent(ctx, dbTx, domain.EventPurchaseExecuted, wallet, domain.PurchaseExecuted{
		SessionID:        wallet.SessionID,
		ServiceID:        req.ServiceID,
		Amount:           req.Amount,
		RemainingBalance: remaining,
		Timestamp:        now.Unix(),
	}, idempKey)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	receipt = &ports.PurchaseReceipt{
		EventID:          rec.ID.String(),
		SessionID:        wallet.SessionID,
		ServiceID:        req.ServiceID,
		Amount:           req.Amount,
		RemainingBalance: remaining,
		Timestamp:        now.Unix(),
	}

	if idempKey != nil && s.idempCache != nil {
		if raw, err := json.Marshal(receipt); err == nil {
			if err := s.idempCache.Set(ctx, *idempKey, raw, s.idempotencyTTL); err != nil {
				s.log.Warn().Err(err).Str("key", *idempKey).Msg("failed to cache idempotency in redis")
			}
		}
	}

	s.metrics.AddDisbursed(req.Amount)
	s.publish(ctx, rec)

	s.log.Info().
		Str("session_id", wallet.SessionID).
		Str("service_id", req.ServiceID).
		Int64("amount", req.Amount).
		Int64("remaining", remaining).
		Msg("purchase executed")

	return receipt, nil
}

// CloseSession returns the remaining balance to the treasury and deactivates
// the session. Only the authority may close.
func (s *SessionServiceImpl) CloseSession(ctx context.Context, req ports.CloseRequest) (receipt *ports.CloseReceipt, err error) {
	defer func() { s.metrics.ObserveOperation("close", err) }()

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	wallet, err := s.lockSession(ctx, dbTx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if !wallet.IsAuthority(req.Caller) {
		return nil, apperror.ErrUnauthorized()
	}
	if !wallet.IsActive {
		return nil, apperror.ErrSessionClosed()
	}

	remaining := wallet.CurrentBalance
	if remaining > 0 {
		if err := s.custody.Transfer(ctx, dbTx, ports.TransferRequest{
			From:   wallet.HoldingID(),
			To:     defaultHolding(req.TreasuryHolding, wallet.Authority),
			Amount: remaining,
			Auth:   domain.SignerFor(wallet, s.program),
		}); err != nil {
			return nil, asAppError("refund", err)
		}
	}

	deposited, ok := domain.CheckedAdd(wallet.InitialBalance, wallet.TotalFunded)
	if !ok {
		return nil, apperror.ErrOverflow()
	}
	totalSpent, ok := domain.CheckedSub(deposited, remaining)
	if !ok {
		return nil, apperror.ErrOverflow()
	}

	now := s.clock.Now()
	wallet.CurrentBalance = 0
	wallet.IsActive = false
	wallet.LastActivity = now

	if err := s.sessions.Update(ctx, dbTx, wallet); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("update session: %w", err))
	}

	closed := domain.SessionClosed{
		SessionID:      wallet.SessionID,
		RefundedAmount: remaining,
		TotalSpent:     totalSpent,
		TotalFunded:    wallet.TotalFunded,
		Timestamp:      now.Unix(),
	}
	rec, err := s.appendEvent(ctx, dbTx, domain.EventSessionClosed, wallet, closed, nil)
	if err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("commit tx: %w", err))
	}

	s.metrics.AddRefunded(remaining)
	s.publish(ctx, rec)

	s.log.Info().
		Str("session_id", wallet.SessionID).
		Int64("refunded", remaining).
		Int64("total_spent", totalSpent).
		Msg("session closed")

	return &ports.CloseReceipt{
		SessionID:      closed.SessionID,
		RefundedAmount: closed.RefundedAmount,
		TotalSpent:     closed.TotalSpent,
		TotalFunded:    closed.TotalFunded,
		Timestamp:      closed.Timestamp,
	}, nil
}

// GetSession returns a committed snapshot of the session.
func (s *SessionServiceImpl) GetSession(ctx context.Context, sessionID string) (*domain.SessionWallet, error) {
	addr, _, err := s.DeriveAddress(sessionID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.sessions.GetByAddress(ctx, addr)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("get session: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrNotFound("session")
	}
	return wallet, nil
}

// ListEvents returns a page of the session's outbox, newest first.
func (s *SessionServiceImpl) ListEvents(ctx context.Context, sessionID string, page, pageSize int) ([]domain.EventRecord, int64, error) {
	wallet, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultEventPageSize
	}
	if pageSize > maxEventPageSize {
		pageSize = maxEventPageSize
	}

	records, total, err := s.events.ListBySession(ctx, ports.EventListParams{
		Address:  wallet.Address,
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return nil, 0, apperror.InternalError(fmt.Errorf("list events: %w", err))
	}
	return records, total, nil
}

// DeriveAddress returns the session address and bump without touching storage.
func (s *SessionServiceImpl) DeriveAddress(sessionID string) (domain.Address, uint8, error) {
	if err := validateSessionID(sessionID); err != nil {
		return domain.Address{}, 0, err
	}
	addr, bump, err := domain.FindSessionAddress(s.program, sessionID)
	if err != nil {
		return domain.Address{}, 0, apperror.InternalError(fmt.Errorf("derive address: %w", err))
	}
	return addr, bump, nil
}

func (s *SessionServiceImpl) lockSession(ctx context.Context, tx pgx.Tx, sessionID string) (*domain.SessionWallet, error) {
	addr, _, err := s.DeriveAddress(sessionID)
	if err != nil {
		return nil, err
	}
	wallet, err := s.sessions.GetByAddressForUpdate(ctx, tx, addr)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("lock session: %w", err))
	}
	if wallet == nil {
		return nil, apperror.ErrNotFound("session")
	}
	return wallet, nil
}

func (s *SessionServiceImpl) appendEvent(ctx context.Context, tx pgx.Tx, eventType domain.EventType, w *domain.SessionWallet, payload any, idempKey *string) (*domain.EventRecord, error) {
	rec, err := domain.NewEventRecord(eventType, w, payload, s.clock.Now())
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("encode %s: %w", eventType, err))
	}
	rec.IdempotencyKey = idempKey
	if err := s.events.Create(ctx, tx, rec); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("save %s: %w", eventType, err))
	}
	return rec, nil
}

// publish hands a committed record to the sinks. Failures are logged only.
func (s *SessionServiceImpl) publish(ctx context.Context, rec *domain.EventRecord) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, rec); err != nil {
		s.log.Warn().Err(err).
			Str("event_id", rec.ID.String()).
			Str("event_type", string(rec.Type)).
			Msg("failed to publish session event")
	}
}

// lookupReceipt checks the cache first and falls through to the outbox.
func (s *SessionServiceImpl) lookupReceipt(ctx context.Context, addr domain.Address, key string) (*ports.PurchaseReceipt, error) {
	if s.idempCache != nil {
		cached, err := s.idempCache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through to DB")
		}
		if cached != nil {
			var receipt ports.PurchaseReceipt
			if err := json.Unmarshal(cached, &receipt); err == nil {
				return &receipt, nil
			}
			s.log.Warn().Str("key", key).Msg("discarding unreadable cached receipt")
		}
	}
	return s.storedReceipt(ctx, addr, key)
}

func (s *SessionServiceImpl) storedReceipt(ctx context.Context, addr domain.Address, key string) (*ports.PurchaseReceipt, error) {
	rec, err := s.events.GetByIdempotencyKey(ctx, addr, key)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("db idempotency check: %w", err))
	}
	if rec == nil {
		return nil, nil
	}
	var purchase domain.PurchaseExecuted
	if err := rec.Decode(&purchase); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("decode stored purchase: %w", err))
	}
	return &ports.PurchaseReceipt{
		EventID:          rec.ID.String(),
		SessionID:        purchase.SessionID,
		ServiceID:        purchase.ServiceID,
		Amount:           purchase.Amount,
		RemainingBalance: purchase.RemainingBalance,
		Timestamp:        purchase.Timestamp,
	}, nil
}

func replayReceipt(prior *ports.PurchaseReceipt, req ports.PurchaseRequest) (*ports.PurchaseReceipt, error) {
	if prior.ServiceID != req.ServiceID || prior.Amount != req.Amount {
		return nil, apperror.ErrIdempotencyConflict()
	}
	replayed := *prior
	replayed.Replayed = true
	return &replayed, nil
}

func validateSessionID(id string) error {
	if id == "" || len(id) > domain.MaxSessionIDLength {
		return apperror.ErrInvalidSessionID()
	}
	return nil
}

// defaultHolding returns id, or fallback when id is empty.
func defaultHolding(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}

// asAppError keeps AppErrors from collaborators and wraps anything else.
func asAppError(op string, err error) error {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.InternalError(fmt.Errorf("%s: %w", op, err))
}
