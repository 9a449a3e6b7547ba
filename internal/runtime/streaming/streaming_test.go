package streaming

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/db"
	"github.com/loomhq/loom/internal/events"
	"github.com/loomhq/loom/internal/events/bus"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
	"github.com/loomhq/loom/internal/storage/repository"
)

type memoryScopes struct{}

func (memoryScopes) Checkpointer() checkpoint.Saver { return checkpoint.NewMemorySaver() }
func (memoryScopes) Store() checkpoint.Store        { return checkpoint.NewMemoryStore() }

type nopWebhooks struct{}

func (nopWebhooks) Notify(string, *models.Run) {}

type streamFixture struct {
	engine    *Engine
	scheduler *service.Scheduler
	repo      *repository.Repository
	registry  *graph.Registry
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	log := logger.Default()

	dbConn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "stream.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(dbConn, "sqlite3")
	repo, err := repository.NewWithDB(sqlxDB, sqlxDB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	publisher := events.NewPublisher(memBus, "test", log)

	registry := graph.NewRegistry(log)
	require.NoError(t, registry.Register(graph.EchoGraphID, graph.EchoFactory()))
	require.NoError(t, registry.Register(graph.DefaultGraphID, graph.EchoFactory()))

	assistants := service.NewAssistantService(repo, registry, log)
	threads := service.NewThreadService(repo, publisher, log)
	scheduler := service.NewScheduler(repo, assistants, threads, registry, memoryScopes{}, publisher, nopWebhooks{}, log)
	return &streamFixture{
		engine:    NewEngine(scheduler, log),
		scheduler: scheduler,
		repo:      repo,
		registry:  registry,
	}
}

func streamUser() auth.AuthUser {
	return auth.AuthUser{Identity: "stream-user", OrgID: "org-7"}
}

type sseEvent struct {
	Type string
	Data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		if block == "" {
			continue
		}
		lines := strings.SplitN(block, "\n", 2)
		require.Len(t, lines, 2, "malformed SSE block: %q", block)
		require.True(t, strings.HasPrefix(lines[0], "event: "), "missing event line: %q", block)
		require.True(t, strings.HasPrefix(lines[1], "data: "), "missing data line: %q", block)
		out = append(out, sseEvent{
			Type: strings.TrimPrefix(lines[0], "event: "),
			Data: strings.TrimPrefix(lines[1], "data: "),
		})
	}
	return out
}

func decodeTuple(t *testing.T, data string) (map[string]interface{}, map[string]interface{}) {
	t.Helper()
	var tuple []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(data), &tuple))
	require.Len(t, tuple, 2, "messages frame must be a 2-tuple")
	var chunk, meta map[string]interface{}
	require.NoError(t, json.Unmarshal(tuple[0], &chunk))
	require.NoError(t, json.Unmarshal(tuple[1], &meta))
	return chunk, meta
}

func TestWriterFramingIsExact(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(&Frame{Type: FrameMetadata, Data: map[string]interface{}{
		"run_id":  "r1",
		"attempt": 1,
	}}))
	// Map keys marshal sorted, so the byte sequence is deterministic.
	assert.Equal(t, "event: metadata\ndata: {\"attempt\":1,\"run_id\":\"r1\"}\n\n", buf.String())
}

func TestStreamEchoProducesContractSequence(t *testing.T) {
	fx := newStreamFixture(t)
	ctx := context.Background()
	user := streamUser()
	input := "the quick brown fox"

	sr, err := fx.scheduler.StartRun(ctx, user, "", &dto.RunCreate{
		AssistantID: graph.EchoGraphID,
		Input:       input,
	}, service.StartOptions{Stateless: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	fx.engine.Stream(ctx, sr, nil, rec)

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.Contains(t, rec.Header().Get("Content-Location"), "/stream")

	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)

	// First frame is metadata with the run coordinates.
	require.Equal(t, "metadata", frames[0].Type)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &meta))
	assert.Equal(t, sr.Run.RunID, meta["run_id"])
	assert.Equal(t, float64(1), meta["attempt"])

	// Second frame echoes the input as the initial values snapshot.
	require.Equal(t, "values", frames[1].Type)
	var initial struct {
		Messages []graph.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[1].Data), &initial))
	require.Len(t, initial.Messages, 1)
	assert.Equal(t, graph.TypeHuman, initial.Messages[0].Type)
	assert.Equal(t, input, initial.Messages[0].Content)

	// Token deltas concatenate to the echoed text; the first and last are
	// empty, the last carrying the finish metadata; all share one id.
	var tupleFrames []sseEvent
	for _, f := range frames {
		if f.Type == "messages" {
			tupleFrames = append(tupleFrames, f)
		}
	}
	require.GreaterOrEqual(t, len(tupleFrames), 3)

	var accumulated strings.Builder
	var msgID string
	for i, f := range tupleFrames {
		chunk, fm := decodeTuple(t, f.Data)
		assert.Equal(t, "AIMessageChunk", chunk["type"])
		if i == 0 {
			msgID, _ = chunk["id"].(string)
			require.NotEmpty(t, msgID)
			assert.Empty(t, chunk["content"])
		} else {
			assert.Equal(t, msgID, chunk["id"], "all chunks of one message share an id")
		}
		if content, ok := chunk["content"].(string); ok {
			accumulated.WriteString(content)
		}
		assert.Equal(t, sr.Run.RunID, fm["run_id"])
		assert.Equal(t, sr.Thread.ThreadID, fm["thread_id"])
		assert.Equal(t, user.Owner(), fm["owner"])
		assert.Equal(t, graph.EchoGraphID, fm["graph_id"])
		assert.Equal(t, graph.NodeEcho, fm["langgraph_node"])
	}
	assert.Equal(t, input, accumulated.String())

	last, _ := decodeTuple(t, tupleFrames[len(tupleFrames)-1].Data)
	assert.Empty(t, last["content"])
	rm, ok := last["response_metadata"].(map[string]interface{})
	require.True(t, ok, "final delta must carry response_metadata")
	assert.Equal(t, "stop", rm["finish_reason"])
	assert.Equal(t, graph.EchoGraphID, rm["model_name"])

	// The stream closes with exactly one final values frame holding the
	// accumulated history.
	finals := frames[len(frames)-1]
	require.Equal(t, "values", finals.Type)
	var final struct {
		Messages []graph.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal([]byte(finals.Data), &final))
	require.Len(t, final.Messages, 2)
	assert.Equal(t, graph.TypeAI, final.Messages[1].Type)
	assert.Equal(t, input, final.Messages[1].Content)

	valuesCount := 0
	for _, f := range frames {
		if f.Type == "values" {
			valuesCount++
		}
	}
	assert.Equal(t, 2, valuesCount, "exactly one initial and one final values frame")
}

func TestStreamValuesModeOmitsMessageTuples(t *testing.T) {
	fx := newStreamFixture(t)
	ctx := context.Background()

	sr, err := fx.scheduler.StartRun(ctx, streamUser(), "", &dto.RunCreate{
		AssistantID: graph.EchoGraphID,
		Input:       "just values",
	}, service.StartOptions{Stateless: true})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	fx.engine.Stream(ctx, sr, []models.StreamMode{models.StreamModeValues}, rec)

	frames := parseSSE(t, rec.Body.String())
	require.Equal(t, "metadata", frames[0].Type)
	for _, f := range frames[1:] {
		assert.Equal(t, "values", f.Type, "values mode must carry only values frames")
	}
}

func TestStreamJoinTerminalRun(t *testing.T) {
	fx := newStreamFixture(t)
	ctx := context.Background()
	user := streamUser()

	sr, _, err := fx.scheduler.RunWait(ctx, user, "", &dto.RunCreate{
		AssistantID: graph.EchoGraphID,
		Input:       "joined later",
	}, service.StartOptions{Stateless: true})
	require.NoError(t, err)

	state, err := fx.repo.GetState(ctx, sr.Thread.ThreadID, user.Owner())
	require.NoError(t, err)
	run, err := fx.repo.GetRunByID(ctx, sr.Run.RunID, user.Owner())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, fx.engine.StreamJoin(rec, run, state))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "metadata", frames[0].Type)
	assert.Equal(t, "values", frames[1].Type)
	assert.Equal(t, "updates", frames[2].Type)

	var update map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[2].Data), &update))
	assert.Equal(t, "success", update["run"]["status"])
}

type parkedGraph struct {
	started chan struct{}
}

func (g *parkedGraph) ID() string { return "parked" }

func (g *parkedGraph) Stream(ctx context.Context, req *graph.Request, emit graph.Emit) (*graph.Result, error) {
	_ = emit(&graph.Event{
		Type:  graph.EventMessageDelta,
		Node:  "parked",
		Step:  1,
		Delta: &graph.Message{ID: "m1", Type: graph.TypeAI, Content: ""},
	})
	close(g.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDisconnectWithCancelPolicyInterruptsRun(t *testing.T) {
	fx := newStreamFixture(t)
	user := streamUser()

	parked := &parkedGraph{started: make(chan struct{})}
	require.NoError(t, fx.registry.Register("parked", func(graph.Params) (graph.Graph, error) {
		return parked, nil
	}))

	sr, err := fx.scheduler.StartRun(context.Background(), user, "", &dto.RunCreate{
		AssistantID: "parked",
		Input:       "never finishes",
	}, service.StartOptions{Stateless: true})
	require.NoError(t, err)

	reqCtx, disconnect := context.WithCancel(context.Background())
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		fx.engine.Stream(reqCtx, sr, nil, httptest.NewRecorder())
	}()

	select {
	case <-parked.started:
	case <-time.After(5 * time.Second):
		t.Fatal("graph never started")
	}
	disconnect()

	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after disconnect")
	}

	require.Eventually(t, func() bool {
		run, err := fx.repo.GetRunByID(context.Background(), sr.Run.RunID, user.Owner())
		return err == nil && run.Status == models.RunStatusInterrupted
	}, 5*time.Second, 20*time.Millisecond, "run should settle as interrupted")

	require.Eventually(t, func() bool {
		thread, err := fx.repo.GetThread(context.Background(), sr.Thread.ThreadID, user.Owner())
		return err == nil && thread.Status == models.ThreadStatusIdle
	}, 5*time.Second, 20*time.Millisecond, "thread should return to idle")
}

func TestFamiliesForModeSelection(t *testing.T) {
	tests := []struct {
		name  string
		modes []models.StreamMode
		want  families
	}{
		{"default is full backbone", nil, families{values: true, messages: true, updates: true}},
		{"messages-tuple", []models.StreamMode{models.StreamModeMessagesTuple}, families{values: true, messages: true, updates: true}},
		{"values only", []models.StreamMode{models.StreamModeValues}, families{values: true}},
		{"updates only", []models.StreamMode{models.StreamModeUpdates}, families{updates: true}},
		{"debug adds frames", []models.StreamMode{models.StreamModeValues, models.StreamModeDebug}, families{values: true, debug: true}},
		{"events produces nothing", []models.StreamMode{models.StreamModeEvents}, families{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, familiesFor(tt.modes))
		})
	}
}

func TestTranslatorForwardsTracingKeys(t *testing.T) {
	sr := &service.StartedRun{
		Run: &models.Run{
			RunID:    "run-1",
			ThreadID: "thread-1",
			Metadata: map[string]interface{}{"owner": "u1"},
			Kwargs: map[string]interface{}{
				models.KwargConfig: map[string]interface{}{
					"configurable": map[string]interface{}{
						"ls_provider": "anthropic",
						"other_key":   "dropped",
					},
				},
			},
		},
		Thread:    &models.Thread{ThreadID: "thread-1"},
		Assistant: &models.Assistant{AssistantID: "asst-1", GraphID: "agent"},
		User:      auth.AuthUser{Identity: "u1"},
	}
	tr := NewTranslator(sr, nil)
	frames := tr.Translate(&graph.Event{
		Type:  graph.EventMessageDelta,
		Node:  "agent",
		Step:  2,
		Delta: &graph.Message{ID: "m1", Type: graph.TypeAI, Content: "hi"},
	})
	require.Len(t, frames, 1)

	tuple, ok := frames[0].Data.([2]interface{})
	require.True(t, ok)
	meta, ok := tuple[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "anthropic", meta["ls_provider"])
	assert.NotContains(t, meta, "other_key")
	assert.Equal(t, "agent", meta["langgraph_node"])
	assert.Equal(t, 2, meta["langgraph_step"])
	assert.Equal(t, "", meta["langgraph_checkpoint_ns"])
}
