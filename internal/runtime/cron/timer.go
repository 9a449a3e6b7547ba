// Package cron fires scheduled runs. The timer polls the cron table on a
// short interval rather than arming one OS timer per cron: restarts need no
// re-registration step, and a fleet of due crons wakes up in one query.
package cron

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/constants"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
)

const pollInterval = time.Second

// Timer drives cron fires against the scheduler. All times are UTC.
type Timer struct {
	crons     *service.CronService
	scheduler *service.Scheduler
	threads   *service.ThreadService
	publisher *events.Publisher
	logger    *logger.Logger

	grace    time.Duration
	interval time.Duration
	now      func() time.Time

	// Crons whose fired run is still executing; overlapping fires of the
	// same cron are suppressed until the run settles.
	mu       sync.Mutex
	inFlight map[string]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTimer creates the cron timer.
func NewTimer(crons *service.CronService, scheduler *service.Scheduler, threads *service.ThreadService, publisher *events.Publisher, cfg config.CronConfig, log *logger.Logger) *Timer {
	return &Timer{
		crons:     crons,
		scheduler: scheduler,
		threads:   threads,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "cron-timer")),
		grace:     cfg.GraceDuration(),
		interval:  pollInterval,
		now:       func() time.Time { return time.Now().UTC() },
		inFlight:  make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the polling loop.
func (t *Timer) Start(ctx context.Context) error {
	t.logger.Info("starting cron timer",
		zap.Duration("interval", t.interval),
		zap.Duration("grace", t.grace))
	t.wg.Add(1)
	go t.loop(ctx)
	return nil
}

// Stop halts the loop and waits for it to exit. Runs already fired keep
// executing on the scheduler.
func (t *Timer) Stop() error {
	close(t.stopCh)
	t.wg.Wait()
	return nil
}

func (t *Timer) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick fires every due cron once. Exposed so tests can drive the timer
// without waiting on the wall clock.
func (t *Timer) Tick(ctx context.Context) {
	now := t.now()
	due, err := t.crons.Due(ctx, now)
	if err != nil {
		t.logger.Error("failed to query due crons", zap.Error(err))
		return
	}
	for _, c := range due {
		if !t.claim(c.CronID) {
			continue
		}
		if err := t.fire(ctx, c, now); err != nil {
			t.release(c.CronID)
			t.logger.Error("cron fire failed",
				zap.String("cron_id", c.CronID), zap.Error(err))
		}
	}
}

func (t *Timer) claim(cronID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[cronID]; busy {
		return false
	}
	t.inFlight[cronID] = struct{}{}
	return true
}

func (t *Timer) release(cronID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.inFlight, cronID)
}

// fire executes one cron occurrence: reload, expire check, thread
// resolution, run start, and next_run_date persistence. Missed occurrences
// coalesce into the single fire happening now; next is always computed from
// the present, never from the missed slot.
func (t *Timer) fire(ctx context.Context, stale *models.Cron, now time.Time) error {
	owner := stale.Owner()
	c, err := t.crons.Get(ctx, stale.CronID, owner)
	if err != nil {
		// Deleted between the query and the fire; nothing to do.
		t.release(stale.CronID)
		return nil
	}

	if c.Expired(now) {
		t.release(c.CronID)
		t.logger.Info("cron reached end_time, removing",
			zap.String("cron_id", c.CronID))
		t.publisher.Cron(ctx, events.CronExpired, c)
		return t.crons.Delete(ctx, c.CronID, owner)
	}

	if c.NextRunDate != nil && now.Sub(*c.NextRunDate) > t.grace {
		t.logger.Warn("coalescing missed cron fires",
			zap.String("cron_id", c.CronID),
			zap.Time("scheduled", *c.NextRunDate),
			zap.Duration("behind", now.Sub(*c.NextRunDate)))
	}

	req, err := dto.RunCreateFromPayload(c.Payload)
	if err != nil {
		return err
	}
	req.AssistantID = c.AssistantID
	req.IfNotExists = dto.IfNotExistsCreate

	threadID, recordThread := t.resolveThread(c)
	user := cronUser(c)

	sr, err := t.scheduler.StartRun(ctx, user, threadID, req, runOptions())
	if err != nil {
		return err
	}

	sched, err := service.ParseSchedule(c.Schedule)
	if err != nil {
		return err
	}
	next := service.NextFire(sched, now)
	if err := t.crons.MarkFired(ctx, c, next, recordThread); err != nil {
		return err
	}
	t.publisher.Cron(ctx, events.CronFired, c)
	t.logger.Info("cron fired",
		zap.String("cron_id", c.CronID),
		zap.String("run_id", sr.Run.RunID),
		zap.String("thread_id", sr.Thread.ThreadID),
		zap.Time("next_run_date", next))

	t.scheduler.ExecuteDetached(sr, nil, func(*graph.Result, error) {
		defer t.release(c.CronID)
		if c.OnRunCompleted == models.OnCompletionDelete {
			t.cleanupThread(c, sr.Thread.ThreadID, owner)
		}
	})
	return nil
}

// resolveThread picks the thread a fire runs on. Delete-mode crons reuse
// the recorded thread when a previous cleanup failed, otherwise they get a
// fresh one that is removed after the run; keep-mode crons get a fresh
// persistent thread every fire.
func (t *Timer) resolveThread(c *models.Cron) (threadID string, record *string) {
	if c.OnRunCompleted == models.OnCompletionDelete {
		if c.ThreadID != nil && *c.ThreadID != "" {
			return *c.ThreadID, c.ThreadID
		}
		id := uuid.New().String()
		return id, &id
	}
	return uuid.New().String(), nil
}

// cleanupThread removes a delete-mode fire's thread and clears the cron's
// recorded thread id so the next fire starts clean.
func (t *Timer) cleanupThread(c *models.Cron, threadID, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.CronCleanupTimeout)
	defer cancel()

	if err := t.crons.ClearThread(ctx, c); err != nil {
		t.logger.Warn("failed to clear cron thread id",
			zap.String("cron_id", c.CronID), zap.Error(err))
		return
	}
	if err := t.threads.Delete(ctx, threadID, owner); err != nil {
		t.logger.Warn("failed to delete cron thread",
			zap.String("cron_id", c.CronID),
			zap.String("thread_id", threadID), zap.Error(err))
	}
}

// runOptions is the scheduler policy for cron-fired runs: queue behind
// whatever the thread is doing rather than fail the occurrence.
func runOptions() service.StartOptions {
	return service.StartOptions{DefaultStrategy: models.MultitaskEnqueue}
}

// cronUser reconstructs the identity a cron was registered under.
func cronUser(c *models.Cron) auth.AuthUser {
	user := auth.AuthUser{Identity: c.Owner()}
	if org, ok := c.Metadata[models.MetadataOrganizationID].(string); ok {
		user.OrgID = org
	}
	return user
}
