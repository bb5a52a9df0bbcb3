package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sapa-server/internal/presence"
)

// PresenceHandler reports a user's online status. When the backing store
// cannot be read the status is "unknown", never a false "offline".
type PresenceHandler struct {
	Presence *presence.Service
}

func (h *PresenceHandler) Status(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing userId"})
		return
	}

	status, err := h.Presence.Status(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}
