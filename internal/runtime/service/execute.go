package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// ErrPreempted reports that another run displaced this one before or during
// execution. The displaced run's record already carries its terminal status.
var ErrPreempted = errors.New("run preempted")

// Execute drives a started run to a terminal state, emitting graph events to
// emit as they happen. It serialises on the thread gate, so enqueued runs
// block here until their predecessor finishes. The returned result is nil
// when the run errored or was cancelled before producing state.
//
// Terminal bookkeeping follows a single rule: only the actor that wins the
// status transition writes the snapshot and thread status. A preempting run
// or a direct cancel that got there first owns those writes instead, and
// this execution leaves the records alone.
func (s *Scheduler) Execute(ctx context.Context, sr *StartedRun, emit graph.Emit) (*graph.Result, error) {
	if emit == nil {
		emit = func(*graph.Event) error { return nil }
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registerCancel(sr.Run.RunID, cancel)
	defer s.unregisterCancel(sr.Run.RunID)

	// Terminal writes must land even when the run context is already dead.
	persistCtx := context.WithoutCancel(ctx)

	release, err := s.acquireThread(runCtx, sr.Thread.ThreadID)
	if err != nil {
		s.settle(persistCtx, sr, nil, err)
		return nil, err
	}
	defer release()

	owner := sr.Run.Owner()
	ok, err := s.repo.TransitionRun(runCtx, sr.Run.RunID, []models.RunStatus{models.RunStatusPending}, models.RunStatusRunning, owner)
	if err != nil {
		s.settle(persistCtx, sr, nil, err)
		return nil, err
	}
	if !ok {
		// A multitask interrupt or rollback claimed the run while it queued.
		return nil, fmt.Errorf("run %s: %w", sr.Run.RunID, ErrPreempted)
	}
	sr.Run.Status = models.RunStatusRunning
	s.publisher.Run(runCtx, sr.Run)

	result, err := s.invoke(runCtx, sr, emit)
	s.settle(persistCtx, sr, result, err)
	return result, err
}

// ExecuteDetached runs Execute on a fresh background context. Callers that
// respond before the run finishes (background creates, cron fires) use this;
// Cancel still reaches the execution through the cancel registry.
func (s *Scheduler) ExecuteDetached(sr *StartedRun, emit graph.Emit, done func(*graph.Result, error)) {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		result, err := s.Execute(ctx, sr, emit)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("background run finished with error",
				zap.String("run_id", sr.Run.RunID), zap.Error(err))
		}
		if done != nil {
			done(result, err)
		}
	}()
}

// RunWait creates a run and blocks until it reaches a terminal state. The
// wait endpoint and the protocol adapters build on it.
func (s *Scheduler) RunWait(ctx context.Context, user auth.AuthUser, threadID string, req *dto.RunCreate, opts StartOptions) (*StartedRun, *graph.Result, error) {
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = models.MultitaskReject
	}
	sr, err := s.StartRun(ctx, user, threadID, req, opts)
	if err != nil {
		return nil, nil, err
	}
	result, err := s.Execute(ctx, sr, nil)
	return sr, result, err
}

// invoke builds the graph for the run and streams it.
func (s *Scheduler) invoke(ctx context.Context, sr *StartedRun, emit graph.Emit) (*graph.Result, error) {
	factory, err := s.registry.Resolve(sr.Assistant.GraphID)
	if err != nil {
		return nil, err
	}

	saver := s.scopes.Checkpointer()
	store := s.scopes.Store()
	defer func() {
		if saver != nil {
			_ = saver.Close()
		}
		if store != nil {
			_ = store.Close()
		}
	}()

	cfg := s.effectiveConfig(sr)
	g, err := factory(graph.Params{Config: cfg, Checkpointer: saver, Store: store})
	if err != nil {
		return nil, fmt.Errorf("build graph %s: %w", sr.Assistant.GraphID, err)
	}

	req := &graph.Request{
		Messages:        s.Seed(ctx, sr),
		Config:          cfg,
		InterruptBefore: stringSlice(sr.Run.Kwargs[models.KwargInterruptBefore]),
		InterruptAfter:  stringSlice(sr.Run.Kwargs[models.KwargInterruptAfter]),
	}
	return g.Stream(ctx, req, emit)
}

// Seed returns the messages the graph starts from: the thread's accumulated
// history followed by the run's new input. The result is computed once per
// started run, so the streaming engine's input echo and the graph see the
// same state.
func (s *Scheduler) Seed(ctx context.Context, sr *StartedRun) []graph.Message {
	if sr.seeded {
		return sr.seed
	}
	var messages []graph.Message
	state, err := s.repo.GetState(ctx, sr.Thread.ThreadID, sr.Run.Owner())
	if err != nil {
		s.logger.Warn("failed to load thread state",
			zap.String("thread_id", sr.Thread.ThreadID), zap.Error(err))
	} else if state != nil {
		messages = graph.MessagesFromState(state.Values)
	}
	if input, ok := sr.Run.Kwargs[models.KwargInput].(map[string]interface{}); ok {
		messages = append(messages, graph.MessagesFromInput(input)...)
	}
	sr.seed = messages
	sr.seeded = true
	return messages
}

// effectiveConfig merges the assistant's stored config with the run's, run
// winning, and injects the identifiers graphs and tools key off.
func (s *Scheduler) effectiveConfig(sr *StartedRun) map[string]interface{} {
	cfg := map[string]interface{}{}
	for k, v := range sr.Assistant.Config {
		cfg[k] = v
	}
	runCfg, _ := sr.Run.Kwargs[models.KwargConfig].(map[string]interface{})
	for k, v := range runCfg {
		if k == "configurable" {
			continue
		}
		cfg[k] = v
	}

	configurable := map[string]interface{}{}
	if base, ok := sr.Assistant.Config["configurable"].(map[string]interface{}); ok {
		for k, v := range base {
			configurable[k] = v
		}
	}
	if over, ok := runCfg["configurable"].(map[string]interface{}); ok {
		for k, v := range over {
			configurable[k] = v
		}
	}
	// Run context is the flat alternative to config.configurable.
	if rc, ok := sr.Run.Kwargs[models.KwargContext].(map[string]interface{}); ok {
		for k, v := range rc {
			configurable[k] = v
		}
	}

	configurable["run_id"] = sr.Run.RunID
	configurable["thread_id"] = sr.Thread.ThreadID
	configurable["assistant_id"] = sr.Assistant.AssistantID
	configurable["graph_id"] = sr.Assistant.GraphID
	configurable["owner"] = sr.Run.Owner()
	configurable["assistant"] = assistantRecord(sr.Assistant)
	if sr.User.Identity != "" {
		configurable["user_id"] = sr.User.Identity
	}
	if sr.User.OrgID != "" {
		configurable[models.MetadataOrganizationID] = sr.User.OrgID
	}
	cfg["configurable"] = configurable
	return cfg
}

// assistantRecord flattens the assistant for graphs and tools that key off
// its metadata rather than just its id.
func assistantRecord(a *models.Assistant) map[string]interface{} {
	return map[string]interface{}{
		"assistant_id": a.AssistantID,
		"graph_id":     a.GraphID,
		"name":         a.Name,
		"config":       a.Config,
		"context":      a.Context,
		"metadata":     a.Metadata,
		"version":      a.Version,
	}
}

// settle records the run's terminal state. The CAS against the active
// statuses decides ownership of the terminal writes; losing it means another
// actor (preempt, direct cancel) already settled this run.
func (s *Scheduler) settle(ctx context.Context, sr *StartedRun, result *graph.Result, runErr error) {
	owner := sr.Run.Owner()
	status, threadStatus := terminalFor(result, runErr)

	won, err := s.repo.TransitionRun(ctx, sr.Run.RunID,
		[]models.RunStatus{models.RunStatusPending, models.RunStatusRunning}, status, owner)
	if err != nil {
		s.logger.Error("failed to record terminal run status",
			zap.String("run_id", sr.Run.RunID), zap.Error(err))
		return
	}
	if !won {
		s.logger.Debug("terminal state already settled elsewhere",
			zap.String("run_id", sr.Run.RunID))
		return
	}
	sr.Run.Status = status

	if result != nil {
		if err := s.appendSnapshot(ctx, sr, result); err != nil {
			s.logger.Error("failed to persist final thread state",
				zap.String("thread_id", sr.Thread.ThreadID), zap.Error(err))
		}
	}
	if err := s.threads.SetStatus(ctx, sr.Thread.ThreadID, threadStatus, owner); err != nil {
		s.logger.Warn("failed to update thread status",
			zap.String("thread_id", sr.Thread.ThreadID), zap.Error(err))
	}
	s.publisher.Run(ctx, sr.Run)

	if url := sr.Run.Webhook(); url != "" && s.webhooks != nil {
		s.webhooks.Notify(url, sr.Run)
	}

	if sr.Thread.IsEphemeral() && sr.OnCompletion() == models.OnCompletionDelete {
		if err := s.repo.DeleteThread(ctx, sr.Thread.ThreadID, owner); err != nil {
			s.logger.Warn("failed to delete ephemeral thread",
				zap.String("thread_id", sr.Thread.ThreadID), zap.Error(err))
		}
	}

	logFn := s.logger.Info
	if status == models.RunStatusError {
		logFn = s.logger.Warn
	}
	logFn("run finished",
		zap.String("run_id", sr.Run.RunID),
		zap.String("thread_id", sr.Thread.ThreadID),
		zap.String("status", string(status)),
		zap.Error(runErr))
}

// terminalFor maps an execution outcome to run and thread status. Pauses for
// human input park the thread as interrupted; cancellation returns it to
// idle so the next run can proceed.
func terminalFor(result *graph.Result, runErr error) (models.RunStatus, models.ThreadStatus) {
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		return models.RunStatusInterrupted, models.ThreadStatusIdle
	case runErr != nil:
		return models.RunStatusError, models.ThreadStatusIdle
	case result != nil && len(result.Interrupts) > 0:
		return models.RunStatusInterrupted, models.ThreadStatusInterrupted
	default:
		return models.RunStatusSuccess, models.ThreadStatusIdle
	}
}

// FinalState builds the thread-state snapshot a finished run leaves behind.
// The sync endpoints return this directly so a deleted ephemeral thread never
// needs a read-back.
func FinalState(sr *StartedRun, result *graph.Result) *models.ThreadState {
	snapshot := &models.ThreadState{
		ThreadID: sr.Thread.ThreadID,
		Values:   result.State(),
		Metadata: map[string]interface{}{
			"run_id":       sr.Run.RunID,
			"assistant_id": sr.Assistant.AssistantID,
			"source":       "loop",
		},
		CreatedAt: time.Now().UTC(),
	}
	if len(result.Interrupts) > 0 {
		snapshot.Interrupts = map[string]interface{}{}
		var tasks []map[string]interface{}
		for _, intr := range result.Interrupts {
			snapshot.Interrupts[intr.ID] = intr.Value
			snapshot.Next = append(snapshot.Next, intr.Node)
			tasks = append(tasks, map[string]interface{}{
				"id":   intr.ID,
				"name": intr.Node,
				"interrupts": []map[string]interface{}{
					{"id": intr.ID, "value": intr.Value},
				},
			})
		}
		snapshot.Tasks = tasks
	}
	return snapshot
}

// appendSnapshot writes the run's closing state into the thread history.
func (s *Scheduler) appendSnapshot(ctx context.Context, sr *StartedRun, result *graph.Result) error {
	return s.repo.AddStateSnapshot(ctx, FinalState(sr, result), sr.Run.Owner())
}

// RunEventType mirrors the bus naming for a terminal status; exposed for
// handlers that describe runs in responses.
func RunEventType(status models.RunStatus) string {
	return events.RunEventType(status)
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
