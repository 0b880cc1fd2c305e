package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/colloquy-ai/colloquy/pkg/orchestrator"
)

// orchestrateRequest is the POST /orchestrate body.
type orchestrateRequest struct {
	Message        string         `json:"message" binding:"required"`
	Context        map[string]any `json:"context"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
}

// orchestrate handles POST /api/v1/orchestrate. The orchestrator never
// errors; policy outcomes are carried in the Result body.
func (s *Server) orchestrate(c *gin.Context) {
	var req orchestrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.orch.Orchestrate(c.Request.Context(), orchestrator.Input{
		Message:        req.Message,
		Context:        req.Context,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	c.JSON(http.StatusOK, result)
}

// stream handles GET /api/v1/orchestrate/stream as server-sent events. The
// request is carried in query parameters; context keys beyond target_agent
// are not supported over this surface.
func (s *Server) stream(c *gin.Context) {
	message := c.Query("message")
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	in := orchestrator.Input{
		Message:        message,
		UserID:         c.Query("user_id"),
		ConversationID: c.Query("conversation_id"),
	}
	if target := c.Query("target_agent"); target != "" {
		in.Context = map[string]any{"target_agent": target}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	events := s.orch.Stream(c.Request.Context(), in)
	c.Stream(func(_ io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(event.Kind), event)
		return true
	})
}
