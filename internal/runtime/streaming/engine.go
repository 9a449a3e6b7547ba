package streaming

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
)

// frameBuffer bounds the producer/consumer channel. A slow client fills it
// and the producer's send blocks, which propagates back through Emit into
// the graph; nothing is dropped.
const frameBuffer = 32

// Engine pumps a run's frames to an HTTP client. The producer goroutine
// drives the graph on its own context so the run can outlive the request
// when the disconnect policy says to continue.
type Engine struct {
	scheduler *service.Scheduler
	logger    *logger.Logger
}

// NewEngine creates the streaming engine.
func NewEngine(scheduler *service.Scheduler, log *logger.Logger) *Engine {
	return &Engine{
		scheduler: scheduler,
		logger:    log.WithFields(zap.String("component", "stream-engine")),
	}
}

// Stream executes a started run and writes its SSE frames to w until the
// run finishes or the client goes away. The caller must not have written
// headers yet.
func (e *Engine) Stream(ctx context.Context, sr *service.StartedRun, modes []models.StreamMode, w http.ResponseWriter) {
	location := fmt.Sprintf("/threads/%s/runs/%s", sr.Thread.ThreadID, sr.Run.RunID)
	PrepareHeaders(w.Header(), location, location+"/stream")
	w.WriteHeader(http.StatusOK)

	// The producer context carries the request's values but not its
	// cancellation; on_disconnect decides whether a vanished client stops
	// the graph.
	producerCtx, cancelProducer := context.WithCancel(context.WithoutCancel(ctx))
	frames := make(chan *Frame, frameBuffer)
	go e.produce(producerCtx, cancelProducer, sr, modes, frames)

	writer := NewWriter(w)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				cancelProducer()
				return
			}
			if err := writer.Write(frame); err != nil {
				e.logger.Debug("client write failed, detaching",
					zap.String("run_id", sr.Run.RunID), zap.Error(err))
				e.detach(sr, cancelProducer, frames)
				return
			}
		case <-ctx.Done():
			e.detach(sr, cancelProducer, frames)
			return
		}
	}
}

// detach handles the client going away mid-stream. With the cancel policy
// the producer's context is closed and the graph aborts at its next
// suspension point; with continue the graph keeps running to completion.
// Either way the remaining frames are drained so the producer never blocks
// on a reader that is gone.
func (e *Engine) detach(sr *service.StartedRun, cancelProducer context.CancelFunc, frames <-chan *Frame) {
	policy := sr.OnDisconnect()
	if policy == models.OnDisconnectCancel {
		cancelProducer()
	}
	e.logger.Info("client disconnected",
		zap.String("run_id", sr.Run.RunID),
		zap.String("on_disconnect", string(policy)))
	go func() {
		for range frames {
		}
	}()
}

// produce drives the run and enqueues its frames. It always runs Execute,
// even on a dead context, so the run record settles instead of staying
// pending.
func (e *Engine) produce(ctx context.Context, cancel context.CancelFunc, sr *service.StartedRun, modes []models.StreamMode, frames chan<- *Frame) {
	defer cancel()
	defer close(frames)

	translator := NewTranslator(sr, modes)
	send := func(f *Frame) error {
		if f == nil {
			return nil
		}
		select {
		case frames <- f:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_ = send(translator.Metadata(sr.Run.RunID, 1))
	_ = send(translator.InitialValues(e.scheduler.Seed(ctx, sr)))

	emit := func(ev *graph.Event) error {
		for _, f := range translator.Translate(ev) {
			if err := send(f); err != nil {
				return err
			}
		}
		return nil
	}

	result, err := e.scheduler.Execute(ctx, sr, emit)
	switch {
	case errors.Is(err, context.Canceled):
		// Disconnect or explicit cancel; the run settled as interrupted
		// and there is no one left to write to.
	case err != nil:
		_ = send(translator.Error(err))
	default:
		_ = send(translator.FinalValues(result))
	}
}

// StreamJoin serves a GET against an existing run: the metadata frame, one
// values frame with the thread's current snapshot, and a terminal updates
// frame when the run already finished. Missed tokens are not replayed.
func (e *Engine) StreamJoin(w http.ResponseWriter, run *models.Run, state *models.ThreadState) error {
	location := fmt.Sprintf("/threads/%s/runs/%s", run.ThreadID, run.RunID)
	PrepareHeaders(w.Header(), location, location+"/stream")
	w.WriteHeader(http.StatusOK)
	writer := NewWriter(w)

	if err := writer.Write(&Frame{Type: FrameMetadata, Data: map[string]interface{}{
		"run_id":  run.RunID,
		"attempt": 1,
	}}); err != nil {
		return err
	}

	values := map[string]interface{}{}
	if state != nil && state.Values != nil {
		values = state.Values
	}
	if err := writer.Write(&Frame{Type: FrameValues, Data: values}); err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return writer.Write(&Frame{Type: FrameUpdates, Data: map[string]interface{}{
			"run": map[string]interface{}{
				"run_id": run.RunID,
				"status": string(run.Status),
			},
		}})
	}
	return nil
}
