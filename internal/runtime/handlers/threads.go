package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// Thread endpoints

// CreateThread creates a thread. A bodyless call creates an anonymous thread.
// POST /threads
func (h *Handler) CreateThread(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.ThreadCreate
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	thread, err := h.threads.Create(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// GetThread retrieves a thread by id.
// GET /threads/:threadID
func (h *Handler) GetThread(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	thread, err := h.threads.Get(c.Request.Context(), c.Param("threadID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// PatchThread replaces a thread's metadata.
// PATCH /threads/:threadID
func (h *Handler) PatchThread(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.ThreadPatch
	if !h.bindJSON(c, &req) {
		return
	}
	thread, err := h.threads.Patch(c.Request.Context(), c.Param("threadID"), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

// DeleteThread removes a thread with its runs and state history.
// DELETE /threads/:threadID
func (h *Handler) DeleteThread(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	if err := h.threads.Delete(c.Request.Context(), c.Param("threadID"), user.Identity); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchThreads lists threads matching the filter. The total match count goes
// out in the X-Pagination-Total header.
// POST /threads/search
func (h *Handler) SearchThreads(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.ThreadSearch
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	threads, err := h.threads.Search(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if total, err := h.threads.Count(c.Request.Context(), user.Identity, &req); err == nil {
		c.Header("X-Pagination-Total", strconv.Itoa(total))
	}
	if threads == nil {
		threads = []*models.Thread{}
	}
	c.JSON(http.StatusOK, threads)
}

// ThreadState returns the thread's latest state snapshot.
// GET /threads/:threadID/state
func (h *Handler) ThreadState(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	state, err := h.threads.State(c.Request.Context(), c.Param("threadID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ThreadHistory returns state snapshots newest-first.
// GET /threads/:threadID/history?limit=&before=
func (h *Handler) ThreadHistory(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	states, err := h.threads.History(c.Request.Context(), c.Param("threadID"), user.Identity,
		intQuery(c, "limit", 10), c.Query("before"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if states == nil {
		states = []*models.ThreadState{}
	}
	c.JSON(http.StatusOK, states)
}
