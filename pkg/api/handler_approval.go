package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/colloquy-ai/colloquy/pkg/approval"
)

// decisionRequest is the body for approve/deny.
type decisionRequest struct {
	User      string `json:"user" binding:"required"`
	Rationale string `json:"rationale"`
}

func (s *Server) listApprovals(c *gin.Context) {
	if s.approvals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "approvals not configured"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	reqs, err := s.approvals.List(c.Request.Context(), approval.Filter{
		Status:         approval.Status(c.Query("status")),
		UserID:         c.Query("user_id"),
		ConversationID: c.Query("conversation_id"),
		Limit:          limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": reqs, "count": len(reqs)})
}

func (s *Server) getApproval(c *gin.Context) {
	if s.approvals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "approvals not configured"})
		return
	}
	req, err := s.approvals.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) getAudit(c *gin.Context) {
	if s.approvals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "approvals not configured"})
		return
	}
	entries, err := s.approvals.GetAudit(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

func (s *Server) approve(c *gin.Context) {
	s.decide(c, s.approvals.Approve)
}

func (s *Server) deny(c *gin.Context) {
	s.decide(c, s.approvals.Deny)
}

func (s *Server) decide(c *gin.Context, fn func(ctx context.Context, id, user, rationale string) (*approval.Request, error)) {
	if s.approvals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "approvals not configured"})
		return
	}

	var body decisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := fn(c.Request.Context(), c.Param("id"), body.User, body.Rationale)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// respondError maps store errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
	case errors.Is(err, approval.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		slog.Error("Approval endpoint failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
