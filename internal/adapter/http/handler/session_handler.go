package handler

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strconv"
	"time"

	"session-wallet/internal/adapter/http/dto"
	"session-wallet/internal/adapter/http/middleware"
	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/apperror"
	"session-wallet/pkg/response"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey carries the caller's purchase deduplication key.
const HeaderIdempotencyKey = "Idempotency-Key"

const maxIdempotencyKeyLength = 128

// SessionHandler handles session wallet endpoints.
type SessionHandler struct {
	sessionSvc ports.SessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionSvc ports.SessionService) *SessionHandler {
	return &SessionHandler{sessionSvc: sessionSvc}
}

// Initialize handles POST /api/v1/sessions.
func (h *SessionHandler) Initialize(c *gin.Context) {
	var req dto.InitializeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	wallet, err := h.sessionSvc.InitializeSession(c.Request.Context(), ports.InitializeRequest{
		Caller:         middleware.Identity(c),
		SessionID:      req.SessionID,
		InitialFunding: req.InitialFunding,
		SourceHolding:  req.SourceHolding,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Set(middleware.CtxSessionID, wallet.SessionID)
	response.Created(c, toSessionResponse(wallet))
}

// Get handles GET /api/v1/sessions/:session_id.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	wallet, err := h.sessionSvc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSessionResponse(wallet))
}

// Fund handles POST /api/v1/sessions/:session_id/fund.
func (h *SessionHandler) Fund(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var req dto.FundSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	wallet, err := h.sessionSvc.FundSession(c.Request.Context(), ports.FundRequest{
		Caller:        middleware.Identity(c),
		SessionID:     sessionID,
		Amount:        req.Amount,
		SourceHolding: req.SourceHolding,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toSessionResponse(wallet))
}

// Purchase handles POST /api/v1/sessions/:session_id/purchases.
func (h *SessionHandler) Purchase(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	idempKey := c.GetHeader(HeaderIdempotencyKey)
	if len(idempKey) > maxIdempotencyKeyLength || (idempKey != "" && !dto.IsSafeID(idempKey)) {
		response.Error(c, apperror.Validation("invalid Idempotency-Key header"))
		return
	}

	var req dto.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	receipt, err := h.sessionSvc.ExecutePurchase(c.Request.Context(), ports.PurchaseRequest{
		Caller:           middleware.Identity(c),
		SessionID:        sessionID,
		Amount:           req.Amount,
		ServiceID:        req.ServiceID,
		RecipientHolding: req.RecipientHolding,
		IdempotencyKey:   idempKey,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	if receipt.Replayed {
		response.OK(c, receipt)
		return
	}
	response.Created(c, receipt)
}

// Close handles POST /api/v1/sessions/:session_id/close. The body is optional.
func (h *SessionHandler) Close(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	var req dto.CloseSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, apperror.Validation(err.Error()))
		return
	}

	receipt, err := h.sessionSvc.CloseSession(c.Request.Context(), ports.CloseRequest{
		Caller:          middleware.Identity(c),
		SessionID:       sessionID,
		TreasuryHolding: req.TreasuryHolding,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, receipt)
}

// ListEvents handles GET /api/v1/sessions/:session_id/events.
func (h *SessionHandler) ListEvents(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	records, total, err := h.sessionSvc.ListEvents(c.Request.Context(), sessionID, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.EventResponse, 0, len(records))
	for i := range records {
		items = append(items, toEventResponse(&records[i]))
	}

	response.OK(c, dto.EventListResponse{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: int(math.Ceil(float64(total) / float64(pageSize))),
	})
}

// DeriveAddress handles GET /api/v1/addresses/:session_id.
func (h *SessionHandler) DeriveAddress(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}

	addr, bump, err := h.sessionSvc.DeriveAddress(sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, dto.AddressResponse{
		SessionID: sessionID,
		Address:   addr.String(),
		Bump:      bump,
	})
}

func sessionIDParam(c *gin.Context) (string, bool) {
	id := c.Param("session_id")
	if !dto.ValidSessionID(id) {
		response.Error(c, apperror.ErrInvalidSessionID())
		return "", false
	}
	return id, true
}

func toSessionResponse(w *domain.SessionWallet) dto.SessionResponse {
	return dto.SessionResponse{
		SessionID:      w.SessionID,
		Address:        w.Address.String(),
		Authority:      w.Authority,
		InitialBalance: w.InitialBalance,
		CurrentBalance: w.CurrentBalance,
		TotalFunded:    w.TotalFunded,
		TotalSpent:     w.TotalSpent,
		IsActive:       w.IsActive,
		Bump:           w.Bump,
		CreatedAt:      w.CreatedAt.Unix(),
		LastActivity:   w.LastActivity.Unix(),
	}
}

func toEventResponse(rec *domain.EventRecord) dto.EventResponse {
	return dto.EventResponse{
		ID:        rec.ID.String(),
		Type:      string(rec.Type),
		Payload:   json.RawMessage(rec.Payload),
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
}
