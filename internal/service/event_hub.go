package service

import (
	"context"
	"sync"

	"session-wallet/internal/core/domain"

	"github.com/rs/zerolog"
)

const defaultLiveBuffer = 16

// EventHub implements ports.EventPublisher and ports.EventFeed in process.
// A subscriber whose buffer is full misses the event rather than stalling
// the publisher.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	log    zerolog.Logger
}

type subscriber struct {
	ch chan domain.EventRecord
}

// NewEventHub creates an EventHub with a per-subscriber buffer.
func NewEventHub(buffer int, log zerolog.Logger) *EventHub {
	if buffer <= 0 {
		buffer = defaultLiveBuffer
	}
	return &EventHub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		log:    log,
	}
}

// Name identifies the sink in fan-out logs.
func (h *EventHub) Name() string {
	return "live"
}

// Subscribe registers for events of sessionID.
func (h *EventHub) Subscribe(sessionID string) (<-chan domain.EventRecord, func()) {
	sub := &subscriber{ch: make(chan domain.EventRecord, h.buffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sessionID][sub]; !ok {
			return
		}
		delete(h.subs[sessionID], sub)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Close ends every subscription. Later subscriptions still work.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, sessionID)
	}
}

// Subscribers returns the number of live subscribers for sessionID.
func (h *EventHub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Publish hands record to every subscriber of its session without blocking.
func (h *EventHub) Publish(_ context.Context, record *domain.EventRecord) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for sub := range h.subs[record.SessionID] {
		select {
		case sub.ch <- *record:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn().
			Str("session_id", record.SessionID).
			Str("event_id", record.ID.String()).
			Int("dropped", dropped).
			Msg("Live subscribers lagging, event dropped")
	}
	return nil
}
