package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/masking"
)

type recordingResumer struct {
	resumed []*Request
}

func (r *recordingResumer) Resume(_ context.Context, _ string, req *Request) error {
	r.resumed = append(r.resumed, req)
	return nil
}

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s := NewStore(kv.NewMemoryStore(), nil, nil, nil)
	now := time.Now()
	s.clock = func() time.Time { return now }
	return s, &now
}

func highRiskInput(conv string) CreateInput {
	return CreateInput{
		ConversationID: conv,
		UserID:         "alice",
		AgentID:        "ops-agent",
		ActionType:     "delete",
		Description:    "delete 1500 stale records",
		Payload:        map[string]any{"estimated_cost": 2000},
	}
}

func TestCreateAutoApprovesLowRisk(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	req, err := s.Create(ctx, CreateInput{
		ConversationID: "c1",
		UserID:         "alice",
		ActionType:     "read",
		Payload:        map[string]any{"estimated_cost": 5},
	})
	require.NoError(t, err)
	assert.Nil(t, req)

	// Nothing persisted for auto-approved actions.
	list, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateHighRiskPersistsPending(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	req, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)
	require.NotNil(t, req)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, RiskHigh, req.RiskLevel)
	assert.True(t, req.AutoPause)
	assert.Equal(t, now.Add(60*time.Minute), req.ExpiresAt)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)

	audit, err := s.GetAudit(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "created", audit[0].Action)
	assert.Equal(t, "alice", audit[0].User)
}

func TestCreateMasksSensitivePayload(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kv.NewMemoryStore(), nil, masking.New(nil), nil)

	in := highRiskInput("c1")
	in.Description = "rotate credentials for admin@corp.io"
	in.Payload["token"] = "Bearer abcdefghijklmnopqrstuvwxyz"

	req, err := s.Create(ctx, in)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "rotate credentials for ***MASKED_EMAIL***", req.Description)
	assert.Equal(t, "Bearer ***MASKED_TOKEN***", req.Payload["token"])
}

func TestApproveResumesConversation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	resumer := &recordingResumer{}
	s.SetResumer(resumer)

	req, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)

	approved, err := s.Approve(ctx, req.ID, "ops", "reviewed the record list")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "ops", approved.ApproverID)
	assert.Equal(t, "reviewed the record list", approved.Rationale)

	require.Len(t, resumer.resumed, 1)
	assert.Equal(t, StatusApproved, resumer.resumed[0].Status)

	audit, err := s.GetAudit(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "approved", audit[1].Action)
}

func TestDecisionOnDecidedFailsWithoutMutation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	req, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)
	_, err = s.Deny(ctx, req.ID, "ops", "too broad")
	require.NoError(t, err)

	_, err = s.Approve(ctx, req.ID, "other", "changed my mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, "ops", got.ApproverID)
}

func TestDecisionUnknownID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.Approve(ctx, "nope", "ops", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelDoesNotResume(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	resumer := &recordingResumer{}
	s.SetResumer(resumer)

	req, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)

	cancelled, err := s.Cancel(ctx, req.ID, "system", "pause failed")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, resumer.resumed)
}

func TestCheckTimeoutsExpiresOverdue(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)
	resumer := &recordingResumer{}
	s.SetResumer(resumer)

	req, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)

	// Not yet due.
	expired, err := s.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// At exactly expires_at the request is still live; only strictly past
	// the deadline does it time out.
	*now = req.ExpiresAt
	expired, err = s.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	*now = now.Add(61 * time.Minute)
	expired, err = s.CheckTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, StatusTimeout, expired[0].Status)

	// Resume fired with the timeout outcome, and the audit trail records it.
	require.Len(t, resumer.resumed, 1)
	assert.Equal(t, StatusTimeout, resumer.resumed[0].Status)
	audit, err := s.GetAudit(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, "timeout", audit[1].Action)

	// No pending approvals remain for the conversation.
	pending, err := s.List(ctx, Filter{ConversationID: "c1", Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second sweep finds nothing.
	expired, err = s.CheckTimeouts(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	first, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)

	*now = now.Add(time.Minute)
	in := highRiskInput("c2")
	in.UserID = "bob"
	second, err := s.Create(ctx, in)
	require.NoError(t, err)

	_, err = s.Approve(ctx, first.ID, "ops", "")
	require.NoError(t, err)

	// Newest first with no filter.
	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	byStatus, err := s.List(ctx, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, second.ID, byStatus[0].ID)

	byUser, err := s.List(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, first.ID, byUser[0].ID)

	byConv, err := s.List(ctx, Filter{ConversationID: "c2", Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, byConv, 1)
	assert.Equal(t, second.ID, byConv[0].ID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCleanupRemovesOldTerminalOnly(t *testing.T) {
	ctx := context.Background()
	s, now := newTestStore(t)

	decided, err := s.Create(ctx, highRiskInput("c1"))
	require.NoError(t, err)
	_, err = s.Approve(ctx, decided.ID, "ops", "")
	require.NoError(t, err)

	pending, err := s.Create(ctx, highRiskInput("c2"))
	require.NoError(t, err)

	// Inside retention: nothing removed.
	removed, err := s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	*now = now.Add(2 * time.Hour)
	removed, err = s.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, decided.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, pending.ID)
	assert.NoError(t, err)
}
