package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// Assistant endpoints

// CreateAssistant creates an assistant.
// POST /assistants
func (h *Handler) CreateAssistant(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.AssistantCreate
	if !h.bindJSON(c, &req) {
		return
	}
	assistant, err := h.assistants.Create(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistant)
}

// GetAssistant retrieves an assistant by id.
// GET /assistants/:assistantID
func (h *Handler) GetAssistant(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	assistant, err := h.assistants.Get(c.Request.Context(), c.Param("assistantID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistant)
}

// PatchAssistant applies a partial update to an assistant.
// PATCH /assistants/:assistantID
func (h *Handler) PatchAssistant(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.AssistantPatch
	if !h.bindJSON(c, &req) {
		return
	}
	assistant, err := h.assistants.Patch(c.Request.Context(), c.Param("assistantID"), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assistant)
}

// DeleteAssistant removes an assistant.
// DELETE /assistants/:assistantID
func (h *Handler) DeleteAssistant(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	if err := h.assistants.Delete(c.Request.Context(), c.Param("assistantID"), user.Identity); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchAssistants lists assistants matching the filter. The total match
// count goes out in the X-Pagination-Total header.
// POST /assistants/search
func (h *Handler) SearchAssistants(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.AssistantSearch
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	assistants, err := h.assistants.Search(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if total, err := h.assistants.Count(c.Request.Context(), user.Identity, &req); err == nil {
		c.Header("X-Pagination-Total", strconv.Itoa(total))
	}
	if assistants == nil {
		assistants = []*models.Assistant{}
	}
	c.JSON(http.StatusOK, assistants)
}
