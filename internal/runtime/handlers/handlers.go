// Package handlers exposes the runtime API over HTTP: assistants, threads,
// runs, the KV store, crons, and the health endpoints. Handlers stay thin and
// defer to the services; the only logic here is request parsing and the
// response-shape contract.
package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/service"
	"github.com/loomhq/loom/internal/runtime/streaming"
)

// ServerInfo describes the running process for GET /info.
type ServerInfo struct {
	Version string
	Backend string
}

// Handler contains the HTTP handlers for the runtime API.
type Handler struct {
	assistants *service.AssistantService
	threads    *service.ThreadService
	store      *service.StoreService
	crons      *service.CronService
	scheduler  *service.Scheduler
	engine     *streaming.Engine
	registry   *graph.Registry
	info       ServerInfo
	logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	assistants *service.AssistantService,
	threads *service.ThreadService,
	store *service.StoreService,
	crons *service.CronService,
	scheduler *service.Scheduler,
	engine *streaming.Engine,
	registry *graph.Registry,
	info ServerInfo,
	log *logger.Logger,
) *Handler {
	return &Handler{
		assistants: assistants,
		threads:    threads,
		store:      store,
		crons:      crons,
		scheduler:  scheduler,
		engine:     engine,
		registry:   registry,
		info:       info,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// respondError maps err onto the taxonomy and writes {detail: <message>}.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := service.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"detail": err.Error()})
}

// bindJSON parses the request body, reporting failures as invalid requests.
func (h *Handler) bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		h.respondError(c, fmt.Errorf("%w: %v", service.ErrInvalidRequest, err))
		return false
	}
	return true
}

// bindOptionalJSON parses the body when one is present; an empty body leaves
// out at its zero value. Create and search endpoints accept bodyless calls.
func (h *Handler) bindOptionalJSON(c *gin.Context, out interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	return h.bindJSON(c, out)
}

// intQuery reads an integer query parameter, falling back on absence or junk.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
