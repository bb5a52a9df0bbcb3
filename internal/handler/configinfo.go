package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ConfigHandler tells clients where the wire endpoint lives.
type ConfigHandler struct {
	PublicWSURL string
}

func (h *ConfigHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"socketUrl": h.PublicWSURL})
}
