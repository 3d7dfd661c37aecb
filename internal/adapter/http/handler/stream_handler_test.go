package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"session-wallet/internal/adapter/http/dto"
	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"
	"session-wallet/internal/core/ports/mocks"
	"session-wallet/internal/service"
	"session-wallet/pkg/apperror"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type liveFixture struct {
	server     *httptest.Server
	sessionSvc *mocks.MockSessionService
	hub        *service.EventHub
}

func setupLive(t *testing.T) *liveFixture {
	ctrl := gomock.NewController(t)
	sessionSvc := mocks.NewMockSessionService(ctrl)
	tokenSvc := mocks.NewMockTokenService(ctrl)
	tokenSvc.EXPECT().Validate(testToken).Return(&ports.TokenClaims{Identity: "backend"}, nil).AnyTimes()
	tokenSvc.EXPECT().Validate(gomock.Not(testToken)).Return(nil, errors.New("invalid")).AnyTimes()

	hub := service.NewEventHub(4, zerolog.Nop())
	r := SetupRouter(RouterDeps{
		SessionSvc: sessionSvc,
		TokenSvc:   tokenSvc,
		EventFeed:  hub,
		Logger:     zerolog.Nop(),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)
	return &liveFixture{server: srv, sessionSvc: sessionSvc, hub: hub}
}

func (f *liveFixture) dial(ctx context.Context, sessionID, token string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/sessions/" + sessionID + "/events/live"
	return websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
}

func TestLive_PushesCommittedEvents(t *testing.T) {
	f := setupLive(t)
	w := testWallet(t, "sess-live", 1000)
	f.sessionSvc.EXPECT().GetSession(gomock.Any(), "sess-live").Return(w, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := f.dial(ctx, "sess-live", testToken)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	require.Eventually(t, func() bool { return f.hub.Subscribers("sess-live") == 1 }, 2*time.Second, 10*time.Millisecond)

	rec, err := domain.NewEventRecord(domain.EventFundsAdded, w, domain.FundsAdded{
		SessionID: "sess-live", Amount: 200, NewBalance: 1200, Timestamp: 1700000000,
	}, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	require.NoError(t, f.hub.Publish(ctx, rec))

	mt, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, mt)

	var got dto.EventResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rec.ID.String(), got.ID)
	assert.Equal(t, string(domain.EventFundsAdded), got.Type)
}

func TestLive_UnsubscribesWhenClientLeaves(t *testing.T) {
	f := setupLive(t)
	f.sessionSvc.EXPECT().GetSession(gomock.Any(), "sess-live").Return(testWallet(t, "sess-live", 10), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := f.dial(ctx, "sess-live", testToken)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Subscribers("sess-live") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return f.hub.Subscribers("sess-live") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLive_UnknownSession(t *testing.T) {
	f := setupLive(t)
	f.sessionSvc.EXPECT().GetSession(gomock.Any(), "ghost").Return(nil, apperror.ErrNotFound("session"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := f.dial(ctx, "ghost", testToken)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 0, f.hub.Subscribers("ghost"))
}

func TestLive_RequiresToken(t *testing.T) {
	f := setupLive(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := f.dial(ctx, "sess-live", "forged")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLive_NotRoutedWithoutFeed(t *testing.T) {
	f := setupRouter(t)

	w := f.do(http.MethodGet, "/api/v1/sessions/sess-1/events/live", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
