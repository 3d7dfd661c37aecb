package handler

import (
	"context"
	"encoding/json"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/pkg/response"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	liveWriteTimeout = 5 * time.Second
	livePingInterval = 30 * time.Second
)

// StreamHandler pushes committed session events over a WebSocket.
type StreamHandler struct {
	sessionSvc   ports.SessionService
	feed         ports.EventFeed
	pingInterval time.Duration
	log          zerolog.Logger
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(sessionSvc ports.SessionService, feed ports.EventFeed, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		sessionSvc:   sessionSvc,
		feed:         feed,
		pingInterval: livePingInterval,
		log:          log,
	}
}

// Live handles GET /api/v1/sessions/:session_id/events/live.
// The socket is write-only from the server side; client frames are discarded.
func (h *StreamHandler) Live(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if _, err := h.sessionSvc.GetSession(c.Request.Context(), sessionID); err != nil {
		response.Error(c, err)
		return
	}

	// Subscribe before the upgrade so nothing committed in between is missed.
	events, unsubscribe := h.feed.Subscribe(sessionID)
	defer unsubscribe()

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket upgrade failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := conn.CloseRead(c.Request.Context())
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if err := writeEvent(ctx, conn, &rec); err != nil {
				h.log.Debug().Err(err).Str("session_id", sessionID).Msg("Live event write failed")
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(parent context.Context, conn *websocket.Conn, rec *domain.EventRecord) error {
	ctx, cancel := context.WithTimeout(parent, liveWriteTimeout)
	defer cancel()

	b, err := json.Marshal(toEventResponse(rec))
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}
