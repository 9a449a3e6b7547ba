package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/storage/repository"
)

// AssistantService manages assistant records. Reads see the caller's own
// assistants plus the system-owned ones; writes touch only the caller's own.
type AssistantService struct {
	repo     *repository.Repository
	registry *graph.Registry
	logger   *logger.Logger
}

// NewAssistantService creates the assistant service.
func NewAssistantService(repo *repository.Repository, registry *graph.Registry, log *logger.Logger) *AssistantService {
	return &AssistantService{
		repo:     repo,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "assistant-service")),
	}
}

// Create inserts a new assistant. A caller-chosen assistant_id is honoured
// as-is; an existing id is a conflict unless if_exists=do_nothing, which
// returns the existing record untouched.
func (s *AssistantService) Create(ctx context.Context, owner string, req *dto.AssistantCreate) (*models.Assistant, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	if !s.registry.Exists(req.GraphID) {
		s.logger.Warn("assistant references unregistered graph",
			zap.String("graph_id", req.GraphID))
	}

	a := &models.Assistant{
		AssistantID: req.AssistantID,
		GraphID:     req.GraphID,
		Name:        req.Name,
		Description: req.Description,
		Config:      req.Config,
		Context:     req.Context,
		Metadata:    models.WithOwner(req.Metadata, owner),
	}
	err := s.repo.CreateAssistant(ctx, a)
	if errors.Is(err, repository.ErrConflict) && req.IfExists == dto.IfExistsDoNothing {
		return s.Get(ctx, a.AssistantID, owner)
	}
	if err != nil {
		return nil, translate(err)
	}
	s.logger.Info("assistant created",
		zap.String("assistant_id", a.AssistantID),
		zap.String("graph_id", a.GraphID))
	return a, nil
}

// Get returns an assistant by id under the owner scope.
func (s *AssistantService) Get(ctx context.Context, id, owner string) (*models.Assistant, error) {
	a, err := s.repo.GetAssistant(ctx, id, owner)
	return a, translate(err)
}

// Resolve finds an assistant by id, falling back to graph-id lookup: the two
// namespaces overlap by design, so "agent" selects the newest assistant
// configured for the agent graph. A bare graph id with no assistant record
// resolves to an unsaved default assistant when the graph is registered.
func (s *AssistantService) Resolve(ctx context.Context, idOrGraph, owner string) (*models.Assistant, error) {
	a, err := s.repo.GetAssistant(ctx, idOrGraph, owner)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	a, err = s.repo.GetAssistantByGraph(ctx, idOrGraph, owner)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if s.registry.Exists(idOrGraph) {
		// Transient assistant: runnable, never persisted.
		return &models.Assistant{
			AssistantID: idOrGraph,
			GraphID:     idOrGraph,
			Config:      map[string]interface{}{},
			Metadata:    models.WithOwner(nil, auth.SystemOwner),
			Version:     1,
		}, nil
	}
	return nil, fmt.Errorf("assistant %s: %w", idOrGraph, ErrNotFound)
}

// Search lists assistants matching the filter.
func (s *AssistantService) Search(ctx context.Context, owner string, req *dto.AssistantSearch) ([]*models.Assistant, error) {
	filter := repository.AssistantFilter{
		GraphID:  req.GraphID,
		Metadata: req.Metadata,
		Limit:    req.Limit,
		Offset:   req.Offset,
	}
	out, err := s.repo.SearchAssistants(ctx, owner, filter)
	return out, translate(err)
}

// Count returns the number of assistants matching the filter.
func (s *AssistantService) Count(ctx context.Context, owner string, req *dto.AssistantSearch) (int, error) {
	n, err := s.repo.CountAssistants(ctx, owner, repository.AssistantFilter{
		GraphID:  req.GraphID,
		Metadata: req.Metadata,
	})
	return n, translate(err)
}

// Patch applies a partial update and bumps the version. System-owned
// assistants are immutable to non-system callers, surfaced as not found.
func (s *AssistantService) Patch(ctx context.Context, id, owner string, req *dto.AssistantPatch) (*models.Assistant, error) {
	a, err := s.repo.GetAssistant(ctx, id, owner)
	if err != nil {
		return nil, translate(err)
	}
	if a.Owner() != owner {
		return nil, fmt.Errorf("assistant %s is not mutable by %s: %w", id, owner, ErrNotFound)
	}

	if req.GraphID != nil {
		a.GraphID = *req.GraphID
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Config != nil {
		a.Config = req.Config
	}
	if req.Context != nil {
		a.Context = req.Context
	}
	if req.Metadata != nil {
		a.Metadata = models.WithOwner(req.Metadata, owner)
	}
	a.Version++

	if err := s.repo.UpdateAssistant(ctx, a, owner); err != nil {
		return nil, translate(err)
	}
	return a, nil
}

// Delete removes the caller's assistant.
func (s *AssistantService) Delete(ctx context.Context, id, owner string) error {
	return translate(s.repo.DeleteAssistant(ctx, id, owner))
}
