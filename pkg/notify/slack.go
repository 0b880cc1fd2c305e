// Package notify delivers approval lifecycle notifications to Slack so
// approvers learn about pending requests without watching the dashboard.
// Fail-open: delivery errors are logged, never returned.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/colloquy-ai/colloquy/pkg/approval"
)

// Config holds Slack delivery settings.
type Config struct {
	Token        string `yaml:"token"`
	Channel      string `yaml:"channel"`
	DashboardURL string `yaml:"dashboard_url"`
}

// slackAPI is the subset of the Slack SDK the service uses. Narrowed for
// test doubles.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...goslack.MsgOption) (string, string, error)
}

// Service posts approval notifications to a Slack channel.
// Nil-safe: all methods are no-ops on a nil receiver.
type Service struct {
	api          slackAPI
	channel      string
	dashboardURL string
	logger       *slog.Logger
}

// NewService creates a Slack notification service. Returns nil (disabled)
// when token or channel is empty.
func NewService(cfg Config) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return &Service{
		api:          goslack.New(cfg.Token),
		channel:      cfg.Channel,
		dashboardURL: cfg.DashboardURL,
		logger:       slog.Default().With("component", "slack-notify"),
	}
}

// NewServiceWithAPI creates a Service backed by a pre-built API client.
// Useful for testing with a mock.
func NewServiceWithAPI(api slackAPI, channel, dashboardURL string) *Service {
	return &Service{
		api:          api,
		channel:      channel,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-notify"),
	}
}

// ApprovalCreated implements approval.Notifier.
func (s *Service) ApprovalCreated(ctx context.Context, req *approval.Request) {
	if s == nil {
		return
	}

	text := fmt.Sprintf(
		":rotating_light: *Approval required* (%s risk)\n*Action:* %s\n*Conversation:* %s\n*Requested by:* %s\n*Expires:* %s",
		req.RiskLevel, req.ActionType, req.ConversationID, req.UserID,
		req.ExpiresAt.Format("2006-01-02 15:04 MST"))
	if req.Description != "" {
		text += "\n*Description:* " + req.Description
	}
	if s.dashboardURL != "" {
		text += fmt.Sprintf("\n<%s/approvals/%s|Review in dashboard>", s.dashboardURL, req.ID)
	}

	s.post(ctx, req.ID, text)
}

// ApprovalResolved implements approval.Notifier.
func (s *Service) ApprovalResolved(ctx context.Context, req *approval.Request) {
	if s == nil {
		return
	}

	icon := map[approval.Status]string{
		approval.StatusApproved:  ":white_check_mark:",
		approval.StatusDenied:    ":no_entry:",
		approval.StatusTimeout:   ":hourglass:",
		approval.StatusCancelled: ":wastebasket:",
	}[req.Status]

	text := fmt.Sprintf("%s Approval *%s*: %s (conversation %s)",
		icon, req.Status, req.ActionType, req.ConversationID)
	if req.ApproverID != "" {
		text += " by " + req.ApproverID
	}
	if req.Rationale != "" {
		text += "\n*Rationale:* " + req.Rationale
	}

	s.post(ctx, req.ID, text)
}

func (s *Service) post(ctx context.Context, approvalID, text string) {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		goslack.MsgOptionText(text, false),
		goslack.MsgOptionDisableLinkUnfurl())
	if err != nil {
		s.logger.Error("Failed to send Slack notification",
			"approval_id", approvalID, "error", err)
	}
}
