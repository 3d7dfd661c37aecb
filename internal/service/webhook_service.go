package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Webhook-Signature"

// defaultWebhookRetryIntervals is the wait before each retry.
var defaultWebhookRetryIntervals = []time.Duration{
	15 * time.Second,
	60 * time.Second,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
}

// The breaker opens after this many consecutive failed attempts and
// lets one probe through after webhookBreakerCooldown.
const (
	webhookBreakerFailures = 5
	webhookBreakerCooldown = time.Minute
)

// WebhookPayload is the JSON body POSTed for every session event.
// Signature is HMAC-SHA256 over the Data bytes.
type WebhookPayload struct {
	EventID   string           `json:"event_id"`
	EventType domain.EventType `json:"event_type"`
	SessionID string           `json:"session_id"`
	Address   string           `json:"address"`
	Data      json.RawMessage  `json:"data"`
	Signature string           `json:"signature"`
}

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookNotifier implements ports.EventPublisher by delivering signed
// events to one configured URL with retries in the background.
type WebhookNotifier struct {
	url            string
	secret         string
	sigSvc         ports.SignatureService
	httpClient     HTTPClient
	retryIntervals []time.Duration
	breaker        *gobreaker.CircuitBreaker
	log            zerolog.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWebhookNotifier creates a notifier for url signed with secret.
func NewWebhookNotifier(url, secret string, sigSvc ports.SignatureService, httpClient HTTPClient, log zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:            url,
		secret:         secret,
		sigSvc:         sigSvc,
		httpClient:     httpClient,
		retryIntervals: defaultWebhookRetryIntervals,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook",
			MaxRequests: 1,
			Timeout:     webhookBreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= webhookBreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook: circuit breaker state changed")
			},
		}),
		log:  log,
		stop: make(chan struct{}),
	}
}

// Publish signs rec and schedules delivery. It returns once the payload is built.
// A notifier without a URL drops every record.
func (n *WebhookNotifier) Publish(ctx context.Context, rec *domain.EventRecord) error {
	if n.url == "" {
		return nil
	}

	payload := WebhookPayload{
		EventID:   rec.ID.String(),
		EventType: rec.Type,
		SessionID: rec.SessionID,
		Address:   rec.Address.String(),
		Data:      rec.Payload,
		Signature: n.sigSvc.Sign(n.secret, string(rec.Payload)),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliverWithRetries(context.WithoutCancel(ctx), body, payload.Signature, payload.EventID)
	}()
	return nil
}

// Name identifies the sink in logs.
func (n *WebhookNotifier) Name() string {
	return "webhook"
}

// Wait blocks until every scheduled delivery has finished.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

// Close abandons pending retries and waits for attempts already in flight.
func (n *WebhookNotifier) Close() {
	n.stopOnce.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *WebhookNotifier) deliverWithRetries(ctx context.Context, body []byte, signature, eventID string) {
	for attempt := 0; attempt <= len(n.retryIntervals); attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(n.retryIntervals[attempt-1])
			select {
			case <-timer.C:
			case <-n.stop:
				timer.Stop()
				n.log.Warn().Str("event_id", eventID).Int("attempt", attempt+1).Msg("webhook: notifier closed, retry abandoned")
				return
			}
		}

		_, err := n.breaker.Execute(func() (interface{}, error) {
			return nil, n.deliver(ctx, body, signature)
		})
		if err == nil {
			n.log.Info().Str("event_id", eventID).Int("attempt", attempt+1).Msg("webhook: delivered successfully")
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			n.log.Warn().Str("event_id", eventID).Int("attempt", attempt+1).Msg("webhook: circuit open, delivery dropped")
			return
		}
		var reqErr *webhookRequestError
		if errors.As(err, &reqErr) {
			n.log.Error().Err(err).Str("event_id", eventID).Msg("webhook: failed to create request")
			return
		}
		n.log.Warn().Err(err).Str("event_id", eventID).Int("attempt", attempt+1).Msg("webhook: delivery failed")
	}

	n.log.Error().Str("event_id", eventID).Msg("webhook: all retry attempts exhausted")
}

type webhookRequestError struct{ err error }

func (e *webhookRequestError) Error() string { return e.err.Error() }
func (e *webhookRequestError) Unwrap() error { return e.err }

// deliver makes one POST attempt; any non-2xx status is an error.
func (n *WebhookNotifier) deliver(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return &webhookRequestError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
