package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/storage/repository"
)

// Schedule parsers: the standard 5-field form and the 6-field form with a
// leading seconds column. All schedules evaluate in UTC.
var (
	fiveFieldParser = cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sixFieldParser = cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// ParseSchedule parses a 5- or 6-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, invalid("schedule is required")
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 6 {
		sched, err := sixFieldParser.Parse(trimmed)
		if err != nil {
			return nil, invalid("unknown schedule %q: %v", expr, err)
		}
		return sched, nil
	}
	sched, err := fiveFieldParser.Parse(trimmed)
	if err != nil {
		return nil, invalid("unknown schedule %q: %v", expr, err)
	}
	return sched, nil
}

// NextFire computes the next fire instant after now, in UTC.
func NextFire(sched cron.Schedule, now time.Time) time.Time {
	return sched.Next(now.UTC()).UTC()
}

// CronService manages cron records. The wall-clock scheduler polls these
// records and drives the fires; this service owns validation and storage.
type CronService struct {
	repo   *repository.Repository
	logger *logger.Logger
}

// NewCronService creates the cron service.
func NewCronService(repo *repository.Repository, log *logger.Logger) *CronService {
	return &CronService{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "cron-service")),
	}
}

// Create validates the schedule, snapshots the run payload, computes the
// first fire, and persists the cron.
func (s *CronService) Create(ctx context.Context, owner, orgID string, req *dto.CronCreate) (*models.Cron, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	sched, err := ParseSchedule(req.Schedule)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if req.EndTime != nil && !req.EndTime.After(now) {
		return nil, invalid("end_time %s is not in the future", req.EndTime.Format(time.RFC3339))
	}

	payload, err := req.RunPayload()
	if err != nil {
		return nil, invalid("payload is not serialisable: %v", err)
	}
	next := NextFire(sched, now)

	completion := req.OnRunCompleted
	if completion == "" {
		completion = models.OnCompletionDelete
	}
	c := &models.Cron{
		AssistantID:    req.AssistantID,
		Schedule:       strings.TrimSpace(req.Schedule),
		EndTime:        req.EndTime,
		Payload:        payload,
		NextRunDate:    &next,
		OnRunCompleted: completion,
		Metadata: models.WithOwner(map[string]interface{}{
			models.MetadataAgentID:        req.AssistantID,
			models.MetadataOrganizationID: orgID,
		}, owner),
	}
	if req.ThreadID != "" {
		tid := req.ThreadID
		c.ThreadID = &tid
	}
	if err := s.repo.CreateCron(ctx, c); err != nil {
		return nil, translate(err)
	}
	s.logger.Info("cron created",
		zap.String("cron_id", c.CronID),
		zap.String("schedule", c.Schedule),
		zap.Timep("next_run_date", c.NextRunDate))
	return c, nil
}

// Get returns a cron by id under the owner scope.
func (s *CronService) Get(ctx context.Context, id, owner string) (*models.Cron, error) {
	c, err := s.repo.GetCron(ctx, id, owner)
	return c, translate(err)
}

// List returns the caller's crons, newest first.
func (s *CronService) List(ctx context.Context, owner string, limit, offset int) ([]*models.Cron, error) {
	out, err := s.repo.ListCrons(ctx, owner, limit, offset)
	return out, translate(err)
}

// Delete removes a cron. In-flight fires finish; the poller simply stops
// seeing the record.
func (s *CronService) Delete(ctx context.Context, id, owner string) error {
	if err := translate(s.repo.DeleteCron(ctx, id, owner)); err != nil {
		return err
	}
	s.logger.Info("cron deleted", zap.String("cron_id", id))
	return nil
}

// Due returns every cron across owners whose next_run_date is at or before
// now. The scheduler's poll loop is the only caller.
func (s *CronService) Due(ctx context.Context, now time.Time) ([]*models.Cron, error) {
	all, err := s.repo.ListAllCrons(ctx)
	if err != nil {
		return nil, err
	}
	var due []*models.Cron
	for _, c := range all {
		if c.NextRunDate != nil && !c.NextRunDate.After(now) {
			due = append(due, c)
		}
	}
	return due, nil
}

// MarkFired persists the recomputed next fire and the thread used.
func (s *CronService) MarkFired(ctx context.Context, c *models.Cron, next time.Time, threadID *string) error {
	c.NextRunDate = &next
	c.ThreadID = threadID
	if err := s.repo.UpdateCronFired(ctx, c.CronID, c.NextRunDate, threadID, c.Owner()); err != nil {
		return fmt.Errorf("persist fire for cron %s: %w", c.CronID, err)
	}
	return nil
}

// ClearThread forgets the thread a delete-mode cron last ran on, after that
// thread has been cleaned up.
func (s *CronService) ClearThread(ctx context.Context, c *models.Cron) error {
	c.ThreadID = nil
	if err := s.repo.UpdateCronFired(ctx, c.CronID, c.NextRunDate, nil, c.Owner()); err != nil {
		return fmt.Errorf("clear thread for cron %s: %w", c.CronID, err)
	}
	return nil
}
