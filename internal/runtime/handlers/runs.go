package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
	"github.com/loomhq/loom/internal/runtime/service"
)

// Run endpoints

// CreateRun schedules a background run on an existing thread.
// POST /threads/:threadID/runs
func (h *Handler) CreateRun(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.RunCreate
	if !h.bindJSON(c, &req) {
		return
	}

	sr, err := h.scheduler.StartRun(c.Request.Context(), user, c.Param("threadID"), &req, service.StartOptions{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.scheduler.ExecuteDetached(sr, nil, nil)

	c.JSON(http.StatusOK, sr.Run)
}

// StreamRun creates a run and streams its output as SSE.
// POST /threads/:threadID/runs/stream
func (h *Handler) StreamRun(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.RunCreate
	if !h.bindJSON(c, &req) {
		return
	}
	if err := req.StreamMode.Validate(); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}

	sr, err := h.scheduler.StartRun(c.Request.Context(), user, c.Param("threadID"), &req, service.StartOptions{})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.Stream(c.Request.Context(), sr, req.StreamMode, c.Writer)
}

// WaitRun creates a run and blocks until it finishes, returning the final
// thread state. The state comes from the in-memory result, so it survives the
// deletion of an ephemeral thread.
// POST /threads/:threadID/runs/wait
func (h *Handler) WaitRun(c *gin.Context) {
	h.waitRun(c, c.Param("threadID"), service.StartOptions{})
}

func (h *Handler) waitRun(c *gin.Context, threadID string, opts service.StartOptions) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.RunCreate
	if !h.bindJSON(c, &req) {
		return
	}
	if opts.Stateless && req.OnCompletion == "" {
		req.OnCompletion = models.OnCompletionDelete
	}

	sr, result, err := h.scheduler.RunWait(c.Request.Context(), user, threadID, &req, opts)
	if err != nil {
		// A preempting run or a cancel owns the terminal state; the waiter
		// reports that it lost rather than inventing one.
		if errors.Is(err, service.ErrPreempted) || errors.Is(err, context.Canceled) {
			h.respondError(c, fmt.Errorf("%w: run did not complete: %v", service.ErrConflict, err))
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, service.FinalState(sr, result))
}

// ListRuns lists a thread's runs, newest first.
// GET /threads/:threadID/runs
func (h *Handler) ListRuns(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	runs, err := h.scheduler.ListRuns(c.Request.Context(), c.Param("threadID"), user.Identity,
		intQuery(c, "limit", 10), intQuery(c, "offset", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

// GetRun retrieves one run.
// GET /threads/:threadID/runs/:runID
func (h *Handler) GetRun(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	run, err := h.scheduler.GetRun(c.Request.Context(), c.Param("threadID"), c.Param("runID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// DeleteRun removes a terminal run's record.
// DELETE /threads/:threadID/runs/:runID
func (h *Handler) DeleteRun(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	if err := h.scheduler.DeleteRun(c.Request.Context(), c.Param("threadID"), c.Param("runID"), user.Identity); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// JoinRunStream attaches to an existing run as SSE. Terminal runs replay a
// short summary; there is no event backlog to replay beyond the final state.
// GET /threads/:threadID/runs/:runID/stream
func (h *Handler) JoinRunStream(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	threadID := c.Param("threadID")
	run, err := h.scheduler.GetRun(c.Request.Context(), threadID, c.Param("runID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	state, err := h.threads.State(c.Request.Context(), threadID, user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.engine.StreamJoin(c.Writer, run, state); err != nil {
		h.logger.Debug("join stream aborted", zap.Error(err))
	}
}

// CancelRun cancels a pending or running run.
// POST /threads/:threadID/runs/:runID/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	if err := h.scheduler.Cancel(c.Request.Context(), user.Identity, c.Param("threadID"), c.Param("runID")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// Stateless variants: each creates an ephemeral thread for the run and, with
// on_completion=delete (the stateless default), removes it afterwards.

// CreateRunStateless schedules a background run on a fresh ephemeral thread.
// POST /runs
func (h *Handler) CreateRunStateless(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.RunCreate
	if !h.bindJSON(c, &req) {
		return
	}
	if req.OnCompletion == "" {
		req.OnCompletion = models.OnCompletionDelete
	}

	sr, err := h.scheduler.StartRun(c.Request.Context(), user, "", &req, service.StartOptions{Stateless: true})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.scheduler.ExecuteDetached(sr, nil, nil)

	c.JSON(http.StatusOK, sr.Run)
}

// StreamRunStateless creates an ephemeral thread and streams the run.
// POST /runs/stream
func (h *Handler) StreamRunStateless(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.RunCreate
	if !h.bindJSON(c, &req) {
		return
	}
	if err := req.StreamMode.Validate(); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return
	}
	if req.OnCompletion == "" {
		req.OnCompletion = models.OnCompletionDelete
	}

	sr, err := h.scheduler.StartRun(c.Request.Context(), user, "", &req, service.StartOptions{Stateless: true})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.engine.Stream(c.Request.Context(), sr, req.StreamMode, c.Writer)
}

// WaitRunStateless creates an ephemeral thread, blocks until the run
// finishes, and returns the final state.
// POST /runs/wait
func (h *Handler) WaitRunStateless(c *gin.Context) {
	h.waitRun(c, "", service.StartOptions{Stateless: true})
}
