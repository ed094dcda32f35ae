package sqsqueue

import (
	"context"
	"errors"
	"log/slog"

	"anymail/internal/observability"
	"anymail/internal/store"
)

// Store persists events directly. *pg.Store implements it.
type Store interface {
	InsertTrackingEvent(ctx context.Context, in store.TrackingEventRecord) error
	InsertInboundEvent(ctx context.Context, in store.InboundEventRecord) error
}

// Sink enqueues webhook events for the processor. Events too large for SQS
// are written to Fallback instead.
type Sink struct {
	Producer *EventProducer
	Fallback Store
}

func (s *Sink) InsertTrackingEvent(ctx context.Context, in store.TrackingEventRecord) error {
	ev := in.Event
	err := s.Producer.Enqueue(ctx, Event{ID: in.ID, Kind: KindTracking, ESP: in.ESP, Tracking: &ev, ReceivedAt: in.ReceivedAt})
	if errors.Is(err, ErrTooLarge) {
		observability.EventsEnqueued.WithLabelValues("fallback").Inc()
		slog.Warn("tracking event too large for queue, storing directly", "esp", in.ESP, "event_id", in.ID)
		return s.Fallback.InsertTrackingEvent(ctx, in)
	}
	if err != nil {
		observability.EventsEnqueued.WithLabelValues("error").Inc()
		return err
	}
	observability.EventsEnqueued.WithLabelValues("ok").Inc()
	return nil
}

func (s *Sink) InsertInboundEvent(ctx context.Context, in store.InboundEventRecord) error {
	ev := in.Event
	err := s.Producer.Enqueue(ctx, Event{ID: in.ID, Kind: KindInbound, ESP: in.ESP, Inbound: &ev, ReceivedAt: in.ReceivedAt})
	if errors.Is(err, ErrTooLarge) {
		observability.EventsEnqueued.WithLabelValues("fallback").Inc()
		slog.Warn("inbound event too large for queue, storing directly", "esp", in.ESP, "event_id", in.ID)
		return s.Fallback.InsertInboundEvent(ctx, in)
	}
	if err != nil {
		observability.EventsEnqueued.WithLabelValues("error").Inc()
		return err
	}
	observability.EventsEnqueued.WithLabelValues("ok").Inc()
	return nil
}

// Persist is the processor's Handler: it writes a dequeued event to st.
func Persist(st Store) Handler {
	return func(ctx context.Context, ev Event) error {
		switch {
		case ev.Kind == KindTracking && ev.Tracking != nil:
			return st.InsertTrackingEvent(ctx, store.TrackingEventRecord{ID: ev.ID, ESP: ev.ESP, Event: *ev.Tracking, ReceivedAt: ev.ReceivedAt})
		case ev.Kind == KindInbound && ev.Inbound != nil:
			return st.InsertInboundEvent(ctx, store.InboundEventRecord{ID: ev.ID, ESP: ev.ESP, Event: *ev.Inbound, ReceivedAt: ev.ReceivedAt})
		}
		// Unknown envelopes can never succeed; drop them instead of redriving.
		slog.Error("sqs event has no payload", "event_id", ev.ID, "kind", ev.Kind, "esp", ev.ESP)
		return nil
	}
}
