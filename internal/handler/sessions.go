package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/session"
)

// CreateSession opens a new session owned by the caller.
func (h *Handler) CreateSession(c *gin.Context) {
	var req session.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	sess, err := h.sessions.Create(c.Request.Context(), actor(c), req)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListActive returns sessions currently admitting attendees.
func (h *Handler) ListActive(c *gin.Context) {
	out, err := h.sessions.ListActive(c.Request.Context())
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// ListMine returns the caller's own sessions.
func (h *Handler) ListMine(c *gin.Context) {
	out, err := h.sessions.ListByCreator(c.Request.Context(), actor(c), queryLimit(c, 50, 200))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) EndSession(c *gin.Context) {
	sess, err := h.sessions.End(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession soft-deletes a session; the response carries the undo deadline.
func (h *Handler) DeleteSession(c *gin.Context) {
	res, err := h.sessions.Delete(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RestoreSession(c *gin.Context) {
	sess, err := h.sessions.Restore(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
