package server

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agentap/agentap/internal/common/logger"
	"github.com/agentap/agentap/internal/events"
	"github.com/agentap/agentap/internal/events/bus"
	"github.com/agentap/agentap/pkg/acp"
)

// EventStreamBroadcaster relays canonical events and session snapshots from
// the event bus to connected WebSocket clients.
type EventStreamBroadcaster struct {
	server        *Server
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventStreamNotifications subscribes the server to the bus subjects
// it mirrors to clients. The broadcaster unsubscribes when ctx is cancelled.
func RegisterEventStreamNotifications(ctx context.Context, eventBus bus.EventBus, srv *Server, log *logger.Logger) *EventStreamBroadcaster {
	b := &EventStreamBroadcaster{
		server: srv,
		logger: log.WithFields(zap.String("component", "ws-event-stream-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildACPEventWildcardSubject(), func(event *bus.Event) {
		acpEvent := coerceACPEvent(event.Data)
		if acpEvent == nil {
			b.logger.Warn("dropping malformed event from bus", zap.String("subject", events.ACPEvent))
			return
		}
		b.server.BroadcastACPEvent(acpEvent)
	})
	b.subscribe(eventBus, events.SessionsUpdated, func(event *bus.Event) {
		b.server.BroadcastSessionsList(event.Data)
	})

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close releases all bus subscriptions. Safe to call more than once.
func (b *EventStreamBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventStreamBroadcaster) subscribe(eventBus bus.EventBus, subject string, forward func(*bus.Event)) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		forward(event)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

// coerceACPEvent recovers the typed event from bus data. The in-memory bus
// hands the pointer through untouched; NATS round-trips through JSON and
// delivers a generic map.
func coerceACPEvent(data any) *acp.Event {
	switch v := data.(type) {
	case *acp.Event:
		return v
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var event acp.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil
		}
		return &event
	default:
		return nil
	}
}
