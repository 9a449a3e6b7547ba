package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/events/bus"
	ws "github.com/loomhq/loom/pkg/websocket"
)

// EventBroadcaster bridges the event bus into the firehose hub. Each bus
// event becomes a notification whose action is the bus event type.
type EventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterEventBroadcaster subscribes the hub to every run, thread, and cron
// subject. The broadcaster closes its subscriptions when ctx ends.
func RegisterEventBroadcaster(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventBroadcaster {
	b := &EventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildRunWildcardSubject())
	b.subscribe(eventBus, events.BuildThreadStatusWildcardSubject())
	b.subscribe(eventBus, events.BuildCronWildcardSubject())

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes from the bus.
func (b *EventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *EventBroadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			b.logger.Error("failed to build notification",
				zap.String("event_type", event.Type), zap.Error(err))
			return nil
		}

		owner, _ := event.Data["owner"].(string)
		threadID, _ := event.Data["thread_id"].(string)
		b.hub.Publish(msg, owner, threadID)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
