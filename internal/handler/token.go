package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"sapa-server/internal/auth"
	"sapa-server/internal/middleware"
)

// TokenHandler exchanges a valid primary token for a short-lived socket
// token used in the websocket handshake.
type TokenHandler struct {
	TokenConfig auth.TokenConfig
}

func (h *TokenHandler) Exchange(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	token, err := auth.CreateSocketToken(userID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
