package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sapa-server/internal/directory"
	"sapa-server/internal/middleware"
	"sapa-server/internal/model"
	"sapa-server/internal/store"
)

// HistoryHandler serves pull-based catch-up: conversation history for
// messages that arrived while the receiver was offline, and the call log.
type HistoryHandler struct {
	Store     *store.Store
	Directory directory.Directory
}

func (h *HistoryHandler) Messages(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	peerID := c.Param("userId")
	if peerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing userId"})
		return
	}

	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	messages := h.Store.Conversations.Between(userID, peerID, limit, offset)
	if messages == nil {
		messages = []model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type callHistoryEntry struct {
	model.Call
	Caller   *model.Profile `json:"caller,omitempty"`
	Receiver *model.Profile `json:"receiver,omitempty"`
}

func (h *HistoryHandler) Calls(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	limit := queryInt(c, "limit", 20)
	calls := h.Store.Calls.History(userID, limit)
	entries := make([]callHistoryEntry, 0, len(calls))
	for _, call := range calls {
		entry := callHistoryEntry{Call: call}
		if prof, ok := h.Directory.Lookup(call.CallerID); ok {
			entry.Caller = &prof
		}
		if prof, ok := h.Directory.Lookup(call.ReceiverID); ok {
			entry.Receiver = &prof
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"calls": entries})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
