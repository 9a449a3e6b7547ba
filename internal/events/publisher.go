package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/runtime/models"
)

// Publisher emits run lifecycle events on behalf of the scheduler and the
// streaming engine. Publish failures are logged, never propagated: the run
// itself must not fail because a monitor cannot hear about it.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher wraps a bus with the lifecycle publishing helpers.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    b,
		source: source,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// RunEventType maps a run status to its lifecycle event type.
func RunEventType(status models.RunStatus) string {
	switch status {
	case models.RunStatusPending:
		return RunCreated
	case models.RunStatusRunning:
		return RunStarted
	case models.RunStatusSuccess:
		return RunCompleted
	case models.RunStatusError, models.RunStatusTimeout:
		return RunFailed
	case models.RunStatusInterrupted:
		return RunInterrupted
	default:
		return RunCreated
	}
}

// Run publishes the lifecycle event matching the run's current status.
func (p *Publisher) Run(ctx context.Context, run *models.Run) {
	if p == nil || p.bus == nil || run == nil {
		return
	}
	eventType := RunEventType(run.Status)
	event := bus.NewEvent(eventType, p.source, map[string]interface{}{
		"run_id":       run.RunID,
		"thread_id":    run.ThreadID,
		"assistant_id": run.AssistantID,
		"status":       string(run.Status),
		"owner":        run.Owner(),
	})
	p.publish(ctx, BuildRunSubject(eventType, run.ThreadID), event)
}

// Streaming publishes a run.streaming marker when the first frame goes out.
func (p *Publisher) Streaming(ctx context.Context, run *models.Run) {
	if p == nil || p.bus == nil || run == nil {
		return
	}
	event := bus.NewEvent(RunStreaming, p.source, map[string]interface{}{
		"run_id":    run.RunID,
		"thread_id": run.ThreadID,
		"owner":     run.Owner(),
	})
	p.publish(ctx, BuildRunSubject(RunStreaming, run.ThreadID), event)
}

// ThreadStatus publishes a thread status change.
func (p *Publisher) ThreadStatus(ctx context.Context, thread *models.Thread) {
	if p == nil || p.bus == nil || thread == nil {
		return
	}
	event := bus.NewEvent(ThreadStatusChanged, p.source, map[string]interface{}{
		"thread_id": thread.ThreadID,
		"status":    string(thread.Status),
		"owner":     thread.Owner(),
	})
	p.publish(ctx, BuildThreadStatusSubject(thread.ThreadID), event)
}

// Cron publishes a cron lifecycle event.
func (p *Publisher) Cron(ctx context.Context, eventType string, cron *models.Cron) {
	if p == nil || p.bus == nil || cron == nil {
		return
	}
	data := map[string]interface{}{
		"cron_id":      cron.CronID,
		"assistant_id": cron.AssistantID,
		"schedule":     cron.Schedule,
		"owner":        cron.Owner(),
	}
	if cron.ThreadID != nil {
		data["thread_id"] = *cron.ThreadID
	}
	p.publish(ctx, BuildCronSubject(eventType, cron.CronID), bus.NewEvent(eventType, p.source, data))
}

func (p *Publisher) publish(ctx context.Context, subject string, event *bus.Event) {
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("event publish failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
