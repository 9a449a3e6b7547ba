package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/common/stringutil"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
	"github.com/loomhq/loom/internal/runtime/streaming"
)

// Handler serves the A2A endpoint for every assistant the runtime knows.
type Handler struct {
	scheduler *service.Scheduler
	logger    *logger.Logger
}

// NewHandler creates the A2A handler.
func NewHandler(scheduler *service.Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		logger:    log.WithFields(zap.String("component", "a2a")),
	}
}

// SetupRoutes mounts the protocol endpoint. Assistants resolve at call time,
// so ones synced or created after startup are addressable immediately.
func SetupRoutes(router *gin.Engine, h *Handler, verifier *auth.Verifier, log *logger.Logger) {
	router.POST("/a2a/:assistantID", auth.Middleware(verifier, log), h.Handle)
}

// Handle serves one JSON-RPC call addressed to the assistant in the URL.
// POST /a2a/:assistantID
func (h *Handler) Handle(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, codeParseError, "parse error"))
		return
	}

	switch req.Method {
	case methodSend:
		h.send(c, &req)
	case methodStream:
		h.stream(c, &req)
	default:
		c.JSON(http.StatusOK, errorResponse(req.ID, codeMethodNotFound,
			fmt.Sprintf("method %q is not supported", req.Method)))
	}
}

// parseParams validates the params object. A nil return means the error
// envelope was already written.
func (h *Handler) parseParams(c *gin.Context, req *rpcRequest) (*sendParams, string) {
	var params sendParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			c.JSON(http.StatusOK, errorResponse(req.ID, codeInvalidParams,
				fmt.Sprintf("invalid params: %v", err)))
			return nil, ""
		}
	}
	text := params.Message.text()
	if text == "" {
		c.JSON(http.StatusOK, errorResponse(req.ID, codeInvalidParams,
			"message has no text or data parts"))
		return nil, ""
	}
	return &params, text
}

func (h *Handler) send(c *gin.Context, req *rpcRequest) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	params, text := h.parseParams(c, req)
	if params == nil {
		return
	}
	assistantID := c.Param("assistantID")

	h.logger.Debug("A2A send",
		zap.String("assistant_id", assistantID),
		zap.String("thread_id", params.threadID()),
		zap.String("text", stringutil.Preview(text, 120)))

	reply, err := h.scheduler.ExecuteRun(c.Request.Context(), user, assistantID, params.threadID(), text)
	if err != nil {
		c.JSON(http.StatusOK, serviceError(req.ID, err))
		return
	}
	c.JSON(http.StatusOK, resultResponse(req.ID, agentMessage(reply)))
}

func (h *Handler) stream(c *gin.Context, req *rpcRequest) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	params, text := h.parseParams(c, req)
	if params == nil {
		return
	}

	rc := &dto.RunCreate{
		AssistantID: c.Param("assistantID"),
		Input:       map[string]interface{}{"messages": text},
		IfNotExists: dto.IfNotExistsCreate,
	}
	threadID := params.threadID()
	opts := service.StartOptions{}
	if threadID == "" {
		opts.Stateless = true
		rc.OnCompletion = models.OnCompletionDelete
	}

	sr, err := h.scheduler.StartRun(c.Request.Context(), user, threadID, rc, opts)
	if err != nil {
		c.JSON(http.StatusOK, serviceError(req.ID, err))
		return
	}

	location := fmt.Sprintf("/threads/%s/runs/%s", sr.Thread.ThreadID, sr.Run.RunID)
	streaming.PrepareHeaders(c.Writer.Header(), location, location+"/stream")
	c.Writer.WriteHeader(http.StatusOK)

	translator := streaming.NewTranslator(sr, []models.StreamMode{models.StreamModeValues})
	if f := translator.InitialValues(h.scheduler.Seed(c.Request.Context(), sr)); f != nil {
		// A failed write means the client is gone; Execute still has to run
		// so the record settles instead of staying pending.
		h.writeEvent(c, resultResponse(req.ID, valuesEventFrom(sr, f)))
	}

	result, err := h.scheduler.Execute(c.Request.Context(), sr, nil)
	switch {
	case errors.Is(err, context.Canceled):
		// Client gone or run cancelled; the record settled as interrupted and
		// there is no one left to write to.
		return
	case err != nil:
		h.writeEvent(c, serviceError(req.ID, err))
		return
	}

	if f := translator.FinalValues(result); f != nil {
		if !h.writeEvent(c, resultResponse(req.ID, valuesEventFrom(sr, f))) {
			return
		}
	}
	h.writeEvent(c, resultResponse(req.ID, closingTask(sr, result)))
}

// writeEvent serialises one JSON-RPC envelope as an SSE data frame and
// flushes it. Reports whether the client accepted the write.
func (h *Handler) writeEvent(c *gin.Context, env rpcResponse) bool {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode stream envelope", zap.Error(err))
		return false
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

func valuesEventFrom(sr *service.StartedRun, f *streaming.Frame) valuesEvent {
	return valuesEvent{
		Kind:      "values",
		TaskID:    sr.Run.RunID,
		ContextID: sr.Thread.ThreadID,
		Values:    f.Data,
	}
}

// closingTask is the stream's final envelope: terminal status plus the reply
// as an artifact. A run paused for human input reports input-required and
// carries whatever reply preceded the pause.
func closingTask(sr *service.StartedRun, result *graph.Result) taskEvent {
	state := "completed"
	if len(result.Interrupts) > 0 {
		state = "input-required"
	}
	ev := taskEvent{
		Kind:      "task",
		ID:        sr.Run.RunID,
		ContextID: sr.Thread.ThreadID,
		Status:    statusNow(state),
		Final:     true,
	}
	if reply := graph.LastMessageOfType(result.Messages, graph.TypeAI); reply != nil {
		ev.Artifacts = []artifact{{
			Name:      "result",
			Parts:     []Part{{Kind: "text", Text: reply.Content}},
			LastChunk: true,
		}}
	}
	return ev
}
