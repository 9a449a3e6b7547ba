package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/storage/repository"
)

// PersistenceScopes hands out request-scoped graph persistence handles. The
// storage backend implements it; each handle opens its own connection and is
// closed when the run's scope ends, so no synchronisation primitive outlives
// the request that created it.
type PersistenceScopes interface {
	Checkpointer() checkpoint.Saver
	Store() checkpoint.Store
}

// WebhookNotifier delivers terminal-state callbacks. Implementations must
// not block the caller.
type WebhookNotifier interface {
	Notify(url string, run *models.Run)
}

// StartOptions adjust StartRun per endpoint.
type StartOptions struct {
	// DefaultStrategy applies when the request names none: enqueue for
	// stateful endpoints, reject for wait.
	DefaultStrategy models.MultitaskStrategy
	// Stateless creates an ephemeral thread for the run.
	Stateless bool
}

// StartedRun bundles everything an execution needs after StartRun.
type StartedRun struct {
	Run       *models.Run
	Thread    *models.Thread
	Assistant *models.Assistant
	User      auth.AuthUser

	seed   []graph.Message
	seeded bool
}

// OnCompletion returns the run's thread cleanup policy.
func (sr *StartedRun) OnCompletion() models.OnCompletion {
	if s, ok := sr.Run.Kwargs[models.KwargOnCompletion].(string); ok && s != "" {
		return models.OnCompletion(s)
	}
	return models.OnCompletionKeep
}

// OnDisconnect returns the run's client-disconnect policy.
func (sr *StartedRun) OnDisconnect() models.OnDisconnect {
	if s, ok := sr.Run.Kwargs[models.KwargOnDisconnect].(string); ok && s != "" {
		return models.OnDisconnect(s)
	}
	return models.OnDisconnectCancel
}

// Scheduler enforces the per-thread concurrency policy, owns run lifecycle
// transitions, and drives graph execution. One instance serves the whole
// process; per-run state lives in the cancel registry and thread gates.
type Scheduler struct {
	repo       *repository.Repository
	assistants *AssistantService
	threads    *ThreadService
	registry   *graph.Registry
	scopes     PersistenceScopes
	publisher  *events.Publisher
	webhooks   WebhookNotifier
	logger     *logger.Logger

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // run_id → abort for in-flight executions
	gates  map[string]*threadGate        // thread_id → execution serialisation
}

type threadGate struct {
	ch   chan struct{}
	refs int
}

// NewScheduler creates the run scheduler.
func NewScheduler(
	repo *repository.Repository,
	assistants *AssistantService,
	threads *ThreadService,
	registry *graph.Registry,
	scopes PersistenceScopes,
	publisher *events.Publisher,
	webhooks WebhookNotifier,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		repo:       repo,
		assistants: assistants,
		threads:    threads,
		registry:   registry,
		scopes:     scopes,
		publisher:  publisher,
		webhooks:   webhooks,
		logger:     log.WithFields(zap.String("component", "run-scheduler")),
		cancel:     make(map[string]context.CancelFunc),
		gates:      make(map[string]*threadGate),
	}
}

// StartRun applies the multitask policy and creates the run record in
// pending, marking the thread busy. Execution is the caller's next step:
// Execute for wait-style calls, ExecuteDetached for background ones, or the
// streaming engine's producer.
func (s *Scheduler) StartRun(ctx context.Context, user auth.AuthUser, threadID string, req *dto.RunCreate, opts StartOptions) (*StartedRun, error) {
	if err := req.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	if err := req.StreamMode.Validate(); err != nil {
		return nil, invalid("%v", err)
	}
	owner := user.Owner()

	assistant, err := s.assistants.Resolve(ctx, req.AssistantID, owner)
	if err != nil {
		return nil, err
	}

	thread, err := s.resolveThread(ctx, owner, threadID, req, opts)
	if err != nil {
		return nil, err
	}

	strategy := req.MultitaskStrategy
	if strategy == "" {
		strategy = opts.DefaultStrategy
	}
	if strategy == "" {
		strategy = models.MultitaskEnqueue
	}

	active, err := s.repo.GetActiveRun(ctx, thread.ThreadID, owner)
	if err != nil {
		return nil, err
	}
	if active != nil {
		switch strategy {
		case models.MultitaskReject:
			return nil, &ConflictingRunError{ThreadID: thread.ThreadID, RunID: active.RunID}
		case models.MultitaskInterrupt:
			s.preempt(ctx, active, models.RunStatusInterrupted)
		case models.MultitaskRollback:
			s.preempt(ctx, active, models.RunStatusError)
		case models.MultitaskEnqueue:
			// The new run serialises on the thread gate inside Execute.
		}
	}

	meta := map[string]interface{}{models.MetadataAgentID: assistant.AssistantID}
	if user.OrgID != "" {
		meta[models.MetadataOrganizationID] = user.OrgID
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	run := &models.Run{
		ThreadID:          thread.ThreadID,
		AssistantID:       assistant.AssistantID,
		Status:            models.RunStatusPending,
		MultitaskStrategy: strategy,
		Metadata:          models.WithOwner(meta, owner),
		Kwargs:            runKwargs(req),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, translate(err)
	}
	if err := s.threads.SetStatus(ctx, thread.ThreadID, models.ThreadStatusBusy, owner); err != nil {
		s.logger.Warn("failed to mark thread busy",
			zap.String("thread_id", thread.ThreadID), zap.Error(err))
	}
	thread.Status = models.ThreadStatusBusy
	s.publisher.Run(ctx, run)

	s.logger.Info("run created",
		zap.String("run_id", run.RunID),
		zap.String("thread_id", thread.ThreadID),
		zap.String("assistant_id", assistant.AssistantID),
		zap.String("multitask_strategy", string(strategy)))

	return &StartedRun{Run: run, Thread: thread, Assistant: assistant, User: user}, nil
}

// resolveThread finds or creates the run's thread per if_not_exists, or
// mints an ephemeral one for stateless runs.
func (s *Scheduler) resolveThread(ctx context.Context, owner, threadID string, req *dto.RunCreate, opts StartOptions) (*models.Thread, error) {
	if opts.Stateless {
		t := &models.Thread{
			Status: models.ThreadStatusIdle,
			Metadata: models.WithOwner(map[string]interface{}{
				models.MetadataEphemeral: true,
			}, owner),
		}
		if err := s.repo.CreateThread(ctx, t); err != nil {
			return nil, translate(err)
		}
		return t, nil
	}

	thread, err := s.repo.GetThread(ctx, threadID, owner)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if req.IfNotExists != dto.IfNotExistsCreate {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	t := &models.Thread{
		ThreadID: threadID,
		Status:   models.ThreadStatusIdle,
		Metadata: models.WithOwner(req.Metadata, owner),
	}
	if err := s.repo.CreateThread(ctx, t); err != nil {
		return nil, translate(err)
	}
	return t, nil
}

// preempt transitions an active run out of the way of a new one and aborts
// its in-flight execution. The preempted execution loses the terminal CAS
// and therefore writes no state of its own.
func (s *Scheduler) preempt(ctx context.Context, active *models.Run, to models.RunStatus) {
	ok, err := s.repo.TransitionRun(ctx, active.RunID, []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}, to, active.Owner())
	if err != nil {
		s.logger.Warn("failed to preempt active run",
			zap.String("run_id", active.RunID), zap.Error(err))
		return
	}
	if ok {
		active.Status = to
		s.publisher.Run(ctx, active)
	}
	if cancel := s.cancelFor(active.RunID); cancel != nil {
		cancel()
	}
	s.logger.Info("preempted active run",
		zap.String("run_id", active.RunID),
		zap.String("status", string(to)))
}

// runKwargs snapshots the request so the run can be re-examined or re-fired
// without the original HTTP body.
func runKwargs(req *dto.RunCreate) map[string]interface{} {
	kwargs := map[string]interface{}{}
	if input := req.InputMap(); input != nil {
		kwargs[models.KwargInput] = input
	}
	if req.Config != nil {
		kwargs[models.KwargConfig] = req.Config
	}
	if req.Context != nil {
		kwargs[models.KwargContext] = req.Context
	}
	if len(req.StreamMode) > 0 {
		modes := make([]string, len(req.StreamMode))
		for i, m := range req.StreamMode {
			modes[i] = string(m)
		}
		kwargs[models.KwargStreamMode] = modes
	}
	if len(req.InterruptBefore) > 0 {
		kwargs[models.KwargInterruptBefore] = req.InterruptBefore
	}
	if len(req.InterruptAfter) > 0 {
		kwargs[models.KwargInterruptAfter] = req.InterruptAfter
	}
	if req.Webhook != "" {
		kwargs[models.KwargWebhook] = req.Webhook
	}
	if req.OnCompletion != "" {
		kwargs[models.KwargOnCompletion] = string(req.OnCompletion)
	}
	if req.OnDisconnect != "" {
		kwargs[models.KwargOnDisconnect] = string(req.OnDisconnect)
	}
	return kwargs
}

// Cancel aborts a run. Runs already terminal are a conflict. In-flight
// executions observe their context closing and finish as interrupted; runs
// with no live execution are transitioned directly.
func (s *Scheduler) Cancel(ctx context.Context, owner, threadID, runID string) error {
	run, err := s.repo.GetRun(ctx, threadID, runID, owner)
	if err != nil {
		return translate(err)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, run.Status, ErrConflict)
	}

	if cancel := s.cancelFor(runID); cancel != nil {
		cancel()
		s.logger.Info("cancelled in-flight run", zap.String("run_id", runID))
		return nil
	}

	ok, err := s.repo.TransitionRun(ctx, runID, []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}, models.RunStatusInterrupted, owner)
	if err != nil {
		return err
	}
	if ok {
		run.Status = models.RunStatusInterrupted
		s.publisher.Run(ctx, run)
		if err := s.threads.SetStatus(ctx, threadID, models.ThreadStatusIdle, owner); err != nil {
			s.logger.Warn("failed to idle thread after cancel",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	s.logger.Info("cancelled run", zap.String("run_id", runID))
	return nil
}

// GetRun returns one run on a thread.
func (s *Scheduler) GetRun(ctx context.Context, threadID, runID, owner string) (*models.Run, error) {
	run, err := s.repo.GetRun(ctx, threadID, runID, owner)
	return run, translate(err)
}

// ListRuns returns a thread's runs, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, threadID, owner string, limit, offset int) ([]*models.Run, error) {
	if _, err := s.repo.GetThread(ctx, threadID, owner); err != nil {
		return nil, translate(err)
	}
	runs, err := s.repo.ListRuns(ctx, threadID, owner, limit, offset)
	return runs, translate(err)
}

// DeleteRun removes a run record. Threads never cascade-delete their runs
// from this path; deleting the thread itself does, via the schema.
func (s *Scheduler) DeleteRun(ctx context.Context, threadID, runID, owner string) error {
	run, err := s.repo.GetRun(ctx, threadID, runID, owner)
	if err != nil {
		return translate(err)
	}
	if run.Status.IsActive() {
		return fmt.Errorf("run %s is still %s: %w", runID, run.Status, ErrConflict)
	}
	return translate(s.repo.DeleteRun(ctx, threadID, runID, owner))
}

func (s *Scheduler) registerCancel(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[runID] = cancel
}

func (s *Scheduler) unregisterCancel(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancel, runID)
}

func (s *Scheduler) cancelFor(runID string) context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[runID]
}

// acquireThread serialises executions per thread. Returns a release func, or
// an error when ctx closes while waiting behind an enqueue predecessor.
func (s *Scheduler) acquireThread(ctx context.Context, threadID string) (func(), error) {
	s.mu.Lock()
	gate, ok := s.gates[threadID]
	if !ok {
		gate = &threadGate{ch: make(chan struct{}, 1)}
		s.gates[threadID] = gate
	}
	gate.refs++
	s.mu.Unlock()

	release := func() {
		<-gate.ch
		s.releaseGateRef(threadID, gate)
	}

	select {
	case gate.ch <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		s.releaseGateRef(threadID, gate)
		return nil, ctx.Err()
	}
}

func (s *Scheduler) releaseGateRef(threadID string, gate *threadGate) {
	s.mu.Lock()
	gate.refs--
	if gate.refs == 0 {
		delete(s.gates, threadID)
	}
	s.mu.Unlock()
}
