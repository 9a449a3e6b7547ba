package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// Cron endpoints

// CreateCron registers a scheduled run.
// POST /runs/crons
func (h *Handler) CreateCron(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.CronCreate
	if !h.bindJSON(c, &req) {
		return
	}
	cron, err := h.crons.Create(c.Request.Context(), user.Identity, user.OrgID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cron)
}

// ListCrons lists the caller's crons, newest first.
// GET /runs/crons
func (h *Handler) ListCrons(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	crons, err := h.crons.List(c.Request.Context(), user.Identity,
		intQuery(c, "limit", 100), intQuery(c, "offset", 0))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if crons == nil {
		crons = []*models.Cron{}
	}
	c.JSON(http.StatusOK, crons)
}

// GetCron retrieves one cron.
// GET /runs/crons/:cronID
func (h *Handler) GetCron(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	cron, err := h.crons.Get(c.Request.Context(), c.Param("cronID"), user.Identity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cron)
}

// DeleteCron removes a cron. A fire already in flight completes.
// DELETE /runs/crons/:cronID
func (h *Handler) DeleteCron(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	if err := h.crons.Delete(c.Request.Context(), c.Param("cronID"), user.Identity); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
