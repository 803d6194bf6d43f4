package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/natebag/trenchtools/internal/domain"
	"github.com/natebag/trenchtools/internal/events"
)

// EventNotifier delivers engine events to operators.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, ev domain.Event) error
}

// Broadcaster pushes a payload to connected dashboard clients.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// RelaySinks are the optional destinations of the event relay. Nil sinks
// are skipped.
type RelaySinks struct {
	Audit       domain.AuditStore
	Signals     domain.SignalBus
	Channel     string
	Stream      string
	Notifier    EventNotifier
	Broadcaster Broadcaster
}

// EventRelay fans engine events out to the audit log, Redis pub/sub and
// stream, operator notifications and the dashboard.
type EventRelay struct {
	bus    *events.Bus
	sinks  RelaySinks
	logger *slog.Logger
}

// NewEventRelay creates an EventRelay reading from bus.
func NewEventRelay(bus *events.Bus, sinks RelaySinks, logger *slog.Logger) *EventRelay {
	return &EventRelay{
		bus:    bus,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "event_relay")),
	}
}

// Run relays events until ctx is cancelled.
func (r *EventRelay) Run(ctx context.Context) error {
	sub := r.bus.Subscribe()
	defer sub.Close()

	r.logger.InfoContext(ctx, "event relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "event relay stopped")
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			r.relay(ctx, ev)
		}
	}
}

func (r *EventRelay) relay(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.ErrorContext(ctx, "event marshal failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}

	if r.sinks.Audit != nil && ev.Kind != domain.EventPeakUpdated {
		detail := map[string]any{
			"position_id": ev.PositionID,
			"asset_id":    ev.AssetID,
		}
		if ev.TriggerType != "" {
			detail["trigger_type"] = string(ev.TriggerType)
		}
		for k, v := range ev.Data {
			detail[k] = v
		}
		if err := r.sinks.Audit.Log(ctx, "event."+string(ev.Kind), detail); err != nil {
			r.warn(ctx, "audit", ev, err)
		}
	}

	if r.sinks.Signals != nil {
		if r.sinks.Channel != "" {
			if err := r.sinks.Signals.Publish(ctx, r.sinks.Channel, payload); err != nil {
				r.warn(ctx, "publish", ev, err)
			}
		}
		if r.sinks.Stream != "" {
			if err := r.sinks.Signals.StreamAppend(ctx, r.sinks.Stream, payload); err != nil {
				r.warn(ctx, "stream", ev, err)
			}
		}
	}

	if r.sinks.Broadcaster != nil {
		r.sinks.Broadcaster.Broadcast(string(ev.Kind), payload)
	}

	if r.sinks.Notifier != nil {
		if err := r.sinks.Notifier.NotifyEvent(ctx, ev); err != nil {
			r.warn(ctx, "notify", ev, err)
		}
	}
}

func (r *EventRelay) warn(ctx context.Context, sink string, ev domain.Event, err error) {
	r.logger.WarnContext(ctx, "event sink failed",
		slog.String("sink", sink),
		slog.String("kind", string(ev.Kind)),
		slog.String("position_id", ev.PositionID),
		slog.String("error", err.Error()),
	)
}
