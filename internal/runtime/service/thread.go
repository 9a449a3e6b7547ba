package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/storage/repository"
)

// ThreadService manages conversation threads and their state snapshots.
type ThreadService struct {
	repo      *repository.Repository
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewThreadService creates the thread service.
func NewThreadService(repo *repository.Repository, publisher *events.Publisher, log *logger.Logger) *ThreadService {
	return &ThreadService{
		repo:      repo,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "thread-service")),
	}
}

// Create inserts a new idle thread. An existing id is a conflict unless
// if_exists=do_nothing, which returns the existing record.
func (s *ThreadService) Create(ctx context.Context, owner string, req *dto.ThreadCreate) (*models.Thread, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	t := &models.Thread{
		ThreadID: req.ThreadID,
		Status:   models.ThreadStatusIdle,
		Metadata: models.WithOwner(req.Metadata, owner),
	}
	err := s.repo.CreateThread(ctx, t)
	if errors.Is(err, repository.ErrConflict) && req.IfExists == dto.IfExistsDoNothing {
		return s.Get(ctx, t.ThreadID, owner)
	}
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Debug("thread created", zap.String("thread_id", t.ThreadID))
	return t, nil
}

// Get returns a thread by id under the owner scope.
func (s *ThreadService) Get(ctx context.Context, id, owner string) (*models.Thread, error) {
	t, err := s.repo.GetThread(ctx, id, owner)
	return t, translate(err)
}

// Search lists threads matching the filter.
func (s *ThreadService) Search(ctx context.Context, owner string, req *dto.ThreadSearch) ([]*models.Thread, error) {
	filter := repository.ThreadFilter{
		Status:   models.ThreadStatus(req.Status),
		Metadata: req.Metadata,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	out, err := s.repo.SearchThreads(ctx, owner, filter)
	return out, translate(err)
}

// Count returns the number of threads matching the filter.
func (s *ThreadService) Count(ctx context.Context, owner string, req *dto.ThreadSearch) (int, error) {
	n, err := s.repo.CountThreads(ctx, owner, repository.ThreadFilter{
		Status:   models.ThreadStatus(req.Status),
		Metadata: req.Metadata,
	})
	return n, translate(err)
}

// Patch replaces the thread's metadata, preserving the owner.
func (s *ThreadService) Patch(ctx context.Context, id, owner string, req *dto.ThreadPatch) (*models.Thread, error) {
	t, err := s.repo.GetThread(ctx, id, owner)
	if err != nil {
		return nil, translate(err)
	}
	if t.Owner() != owner {
		return nil, fmt.Errorf("thread %s is not mutable by %s: %w", id, owner, ErrNotFound)
	}
	if req.Metadata != nil {
		t.Metadata = models.WithOwner(req.Metadata, owner)
		if err := s.repo.UpdateThreadMetadata(ctx, id, t.Metadata, owner); err != nil {
			return nil, translate(err)
		}
	}
	return t, nil
}

// Delete removes a thread. Its runs and state snapshots go with it via the
// schema's cascading foreign keys.
func (s *ThreadService) Delete(ctx context.Context, id, owner string) error {
	return translate(s.repo.DeleteThread(ctx, id, owner))
}

// SetStatus transitions a thread and publishes the status change.
func (s *ThreadService) SetStatus(ctx context.Context, id string, status models.ThreadStatus, owner string) error {
	if err := s.repo.UpdateThreadStatus(ctx, id, status, owner); err != nil {
		return translate(err)
	}
	t, err := s.repo.GetThread(ctx, id, owner)
	if err == nil {
		s.publisher.ThreadStatus(ctx, t)
	}
	return nil
}

// State returns the thread's most recent snapshot, or an empty state when
// the thread exists but has never run.
func (s *ThreadService) State(ctx context.Context, threadID, owner string) (*models.ThreadState, error) {
	if _, err := s.repo.GetThread(ctx, threadID, owner); err != nil {
		return nil, translate(err)
	}
	state, err := s.repo.GetState(ctx, threadID, owner)
	if err != nil {
		return nil, translate(err)
	}
	if state == nil {
		return &models.ThreadState{ThreadID: threadID, Values: map[string]interface{}{}}, nil
	}
	return state, nil
}

// History returns up to limit snapshots newest-first, optionally excluding
// those at or after the before checkpoint.
func (s *ThreadService) History(ctx context.Context, threadID, owner string, limit int, before string) ([]*models.ThreadState, error) {
	if _, err := s.repo.GetThread(ctx, threadID, owner); err != nil {
		return nil, translate(err)
	}
	states, err := s.repo.GetHistory(ctx, threadID, owner, limit, before)
	return states, translate(err)
}
