package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health endpoints. Both are unauthenticated so load balancers and uptime
// probes can reach them.

// OK is the liveness probe.
// GET /ok
func (h *Handler) OK(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Info describes the running server: version, storage backend, and the graph
// ids the registry can build.
// GET /info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": h.info.Version,
		"backend": h.info.Backend,
		"graphs":  h.registry.IDs(),
	})
}
