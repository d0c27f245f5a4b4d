package handler

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// StreamState pushes the caller's verification state as server-sent events so every open
// view of the same user follows one flow. The first event is the current state.
func (h *Handler) StreamState(c *gin.Context) {
	ctx := c.Request.Context()
	userID := identity(c).UserID

	// Subscribe before reading so no change between the two is missed.
	updates, err := h.pipeline.Watch(ctx, userID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	current, err := h.pipeline.State(ctx, userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("state", current)
	c.Writer.Flush()

	keepAlive := time.NewTicker(h.KeepAlive)
	defer keepAlive.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", st)
			return true
		case <-keepAlive.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		}
	})
	h.log.Debug().Str("user_id", userID).Msg("state stream closed")
}
