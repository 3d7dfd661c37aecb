package service

import (
	"context"
	"errors"
	"fmt"

	"session-wallet/internal/core/domain"
	"session-wallet/internal/core/ports"

	"github.com/rs/zerolog"
)

// EventFanout implements ports.EventPublisher by handing every record to
// each sink in order. A failing sink does not stop the others.
type EventFanout struct {
	sinks []ports.EventPublisher
	log   zerolog.Logger
}

// NewEventFanout creates a fan-out over sinks; nil sinks are skipped.
func NewEventFanout(log zerolog.Logger, sinks ...ports.EventPublisher) *EventFanout {
	f := &EventFanout{log: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len reports how many sinks are attached.
func (f *EventFanout) Len() int {
	return len(f.sinks)
}

// Publish delivers rec to every sink and joins their errors.
func (f *EventFanout) Publish(ctx context.Context, rec *domain.EventRecord) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			f.log.Warn().Err(err).
				Str("sink", sinkName(sink)).
				Str("event_id", rec.ID.String()).
				Str("event_type", string(rec.Type)).
				Msg("event sink rejected record")
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(sink), err))
		}
	}
	return errors.Join(errs...)
}

func sinkName(sink ports.EventPublisher) string {
	if named, ok := sink.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", sink)
}
