package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleSelect(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}
	rows, err := h.store.Select(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	var row map[string]any
	if err := c.ShouldBindJSON(&row); err != nil {
		h.respondError(c, remote.WrapError(remote.CodeInvalid, err))
		return
	}
	created, err := h.store.Insert(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), row)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.respondError(c, remote.WrapError(remote.CodeInvalid, err))
		return
	}
	rows, err := h.store.Update(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), filter, patch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	filter, ok := h.filter(c)
	if !ok {
		return
	}
	removed, err := h.store.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("table"), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": removed})
}

func (h *httpHandler) handleFunction(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.respondError(c, remote.WrapError(remote.CodeInvalid, err))
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		h.respondError(c, remote.NewError(remote.CodeInvalid, "payload must be JSON"))
		return
	}
	result, err := h.functions.Invoke(c.Request.Context(), c.Param("name"), c.GetString(userIDContextKey), payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

func (h *httpHandler) filter(c *gin.Context) (remote.Filter, bool) {
	filter, err := remote.ParseFilter(c.Request.URL.Query())
	if err != nil {
		h.respondError(c, err)
		return remote.Filter{}, false
	}
	return filter, true
}
