package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// Store endpoints

// PutItem upserts a store item.
// PUT /store/items
func (h *Handler) PutItem(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.StorePut
	if !h.bindJSON(c, &req) {
		return
	}
	item, err := h.store.Put(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// GetItem retrieves one store item. The namespace query parameter accepts a
// plain segment or a JSON array of segments.
// GET /store/items?namespace=&key=
func (h *Handler) GetItem(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	item, err := h.store.Get(c.Request.Context(), user.Identity, c.Query("namespace"), c.Query("key"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// DeleteItem removes one store item, addressed in the body.
// DELETE /store/items
func (h *Handler) DeleteItem(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.StoreDelete
	if !h.bindJSON(c, &req) {
		return
	}
	if err := h.store.Delete(c.Request.Context(), user.Identity, req.Namespace, req.Key); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchItems lists store items under a namespace prefix, newest first.
// POST /store/items/search
func (h *Handler) SearchItems(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}
	var req dto.StoreSearch
	if !h.bindOptionalJSON(c, &req) {
		return
	}
	items, err := h.store.Search(c.Request.Context(), user.Identity, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if items == nil {
		items = []*models.StoreItem{}
	}
	c.JSON(http.StatusOK, items)
}
