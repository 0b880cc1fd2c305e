package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/colloquy-ai/colloquy/pkg/kv"
	"github.com/colloquy-ai/colloquy/pkg/masking"
)

// Status is the approval request lifecycle state.
type Status string

// Approval statuses. pending is the only non-terminal state.
const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Store sentinel errors.
var (
	// ErrNotFound is returned for an unknown approval id.
	ErrNotFound = errors.New("approval not found")

	// ErrInvalidTransition is returned when a decision is attempted on a
	// non-pending approval. State is never mutated on rejection.
	ErrInvalidTransition = errors.New("invalid approval transition")
)

// Persistent key layout and retention.
const (
	approvalTTL = 7 * 24 * time.Hour
	auditTTL    = 30 * 24 * time.Hour

	defaultListLimit = 100
)

func approvalKey(id string) string           { return "approval:" + id }
func auditKey(id string) string              { return "audit:" + id }
func conversationIndexKey(cid string) string { return "approval_index:conversation:" + cid }
func userIndexKey(uid string) string         { return "approval_index:user:" + uid }
func statusIndexKey(s Status) string         { return "approval_index:status:" + string(s) }

// Request is the canonical approval record. Audit entries live in a
// separate append-only list keyed by the request id.
type Request struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	AgentID        string         `json:"agent_id"`
	Status         Status         `json:"status"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	ActionType     string         `json:"action_type"`
	Description    string         `json:"description"`
	Payload        map[string]any `json:"payload,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	AutoPause      bool           `json:"auto_pause"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ApproverID     string         `json:"approver_id,omitempty"`
	Rationale      string         `json:"rationale,omitempty"`
}

// AuditEntry is one line of a request's append-only audit trail.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Resumer receives resolved approvals so the paused conversation can
// continue. Implemented by the pause manager; set after construction to
// break the wiring cycle.
type Resumer interface {
	Resume(ctx context.Context, conversationID string, req *Request) error
}

// Notifier observes approval lifecycle events, best-effort. Implemented by
// the Slack notifier; nil disables notifications.
type Notifier interface {
	ApprovalCreated(ctx context.Context, req *Request)
	ApprovalResolved(ctx context.Context, req *Request)
}

// Store owns approval requests and their audit trails. Writes are
// serialized per store; reads may run concurrently against the kv backend.
type Store struct {
	store    kv.Store
	assessor *Assessor
	masker   *masking.Masker
	notifier Notifier
	resumer  Resumer
	clock    func() time.Time
	logger   *slog.Logger
}

// NewStore creates an approval store. masker may be nil (no redaction);
// notifier may be nil (no notifications).
func NewStore(store kv.Store, assessor *Assessor, masker *masking.Masker, notifier Notifier) *Store {
	if assessor == nil {
		assessor = NewAssessor(nil)
	}
	return &Store{
		store:    store,
		assessor: assessor,
		masker:   masker,
		notifier: notifier,
		clock:    time.Now,
		logger:   slog.With("component", "approval_store"),
	}
}

// SetResumer wires the pause manager in. Called once during startup.
func (s *Store) SetResumer(r Resumer) { s.resumer = r }

// CreateInput describes a proposed action needing assessment.
type CreateInput struct {
	ConversationID string
	UserID         string
	AgentID        string
	ActionType     string
	Description    string
	Payload        map[string]any
	Metadata       map[string]any
}

// Create assesses the action and, when approval is required, persists a
// pending request with its indices and first audit entry. Returns (nil,
// nil) when the risk ladder says no approval is needed: the action is
// implicitly auto-approved.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Request, error) {
	assessment := s.assessor.Assess(ActionInput{
		ActionType: in.ActionType,
		Payload:    in.Payload,
		Metadata:   in.Metadata,
	})
	if !assessment.RequireApproval {
		s.logger.Debug("Action auto-approved",
			"conversation_id", in.ConversationID,
			"action_type", in.ActionType,
			"risk_level", assessment.Level)
		return nil, nil
	}

	now := s.clock()
	req := &Request{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		AgentID:        in.AgentID,
		Status:         StatusPending,
		RiskLevel:      assessment.Level,
		ActionType:     in.ActionType,
		Description:    in.Description,
		Payload:        in.Payload,
		Metadata:       in.Metadata,
		AutoPause:      assessment.AutoPause,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(assessment.Timeout),
	}
	if s.masker != nil {
		req.Payload = s.masker.MaskMap(req.Payload)
		req.Metadata = s.masker.MaskMap(req.Metadata)
		req.Description = s.masker.Mask(req.Description)
	}

	if err := s.persist(ctx, req); err != nil {
		return nil, err
	}
	indexErr := errors.Join(
		s.store.SAdd(ctx, conversationIndexKey(req.ConversationID), req.ID),
		s.store.SAdd(ctx, userIndexKey(req.UserID), req.ID),
		s.store.SAdd(ctx, statusIndexKey(StatusPending), req.ID),
	)
	if indexErr != nil {
		return nil, fmt.Errorf("indexing approval %s: %w", req.ID, indexErr)
	}
	if err := s.appendAudit(ctx, req.ID, AuditEntry{
		Timestamp: now,
		Action:    "created",
		User:      in.UserID,
		Details:   fmt.Sprintf("risk=%s action=%s", req.RiskLevel, req.ActionType),
	}); err != nil {
		return nil, err
	}

	s.logger.Info("Approval request created",
		"approval_id", req.ID,
		"conversation_id", req.ConversationID,
		"risk_level", req.RiskLevel,
		"auto_pause", req.AutoPause,
		"expires_at", req.ExpiresAt)

	if s.notifier != nil {
		s.notifier.ApprovalCreated(ctx, req)
	}
	return req, nil
}

// Get loads one approval request.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	raw, err := s.store.Get(ctx, approvalKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decoding approval %s: %w", id, err)
	}
	return &req, nil
}

// Approve moves a pending request to approved and resumes the paused
// conversation.
func (s *Store) Approve(ctx context.Context, id, user, rationale string) (*Request, error) {
	return s.decide(ctx, id, user, rationale, StatusApproved, "approved")
}

// Deny moves a pending request to denied and resumes the paused
// conversation with the denial.
func (s *Store) Deny(ctx context.Context, id, user, rationale string) (*Request, error) {
	return s.decide(ctx, id, user, rationale, StatusDenied, "denied")
}

// Cancel unilaterally cancels a pending request. The pause manager is not
// resumed; cancellation of the conversation is the caller's responsibility.
func (s *Store) Cancel(ctx context.Context, id, user, reason string) (*Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}
	if err := s.transition(ctx, req, StatusCancelled, user, reason, "cancelled"); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) decide(ctx context.Context, id, user, rationale string, to Status, auditAction string) (*Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}

	req.ApproverID = user
	req.Rationale = rationale
	if err := s.transition(ctx, req, to, user, rationale, auditAction); err != nil {
		return nil, err
	}

	if s.notifier != nil {
		s.notifier.ApprovalResolved(ctx, req)
	}
	s.notifyResume(ctx, req)
	return req, nil
}

// transition persists a status change with index maintenance and an audit
// entry. req must currently be pending.
func (s *Store) transition(ctx context.Context, req *Request, to Status, user, details, auditAction string) error {
	from := req.Status
	req.Status = to
	req.UpdatedAt = s.clock()

	if err := s.persist(ctx, req); err != nil {
		req.Status = from
		return err
	}
	if err := errors.Join(
		s.store.SRem(ctx, statusIndexKey(from), req.ID),
		s.store.SAdd(ctx, statusIndexKey(to), req.ID),
	); err != nil {
		return fmt.Errorf("reindexing approval %s: %w", req.ID, err)
	}
	if err := s.appendAudit(ctx, req.ID, AuditEntry{
		Timestamp: req.UpdatedAt,
		Action:    auditAction,
		User:      user,
		Details:   details,
	}); err != nil {
		return err
	}

	s.logger.Info("Approval transitioned",
		"approval_id", req.ID, "from", from, "to", to, "user", user)
	return nil
}

// Expire transitions one pending approval to timeout and resumes the
// paused conversation. Used by the pause manager when a pause outlives its
// deadline. Fails with ErrInvalidTransition when the approval is already
// terminal.
func (s *Store) Expire(ctx context.Context, id string) (*Request, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, req.Status)
	}
	if err := s.transition(ctx, req, StatusTimeout, "", "pause expired", "timeout"); err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.ApprovalResolved(ctx, req)
	}
	s.notifyResume(ctx, req)
	return req, nil
}

// CheckTimeouts expires every pending approval past its deadline,
// transitioning it to timeout and resuming the paused conversation.
// Returns the expired requests.
func (s *Store) CheckTimeouts(ctx context.Context) ([]*Request, error) {
	ids, err := s.store.SMembers(ctx, statusIndexKey(StatusPending))
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var expired []*Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Record expired from under its index; repair the index.
			_ = s.store.SRem(ctx, statusIndexKey(StatusPending), id)
			continue
		}
		if err != nil {
			return expired, err
		}
		// Strictly past the deadline; at expires_at the request is still live.
		if req.Status != StatusPending || !now.After(req.ExpiresAt) {
			continue
		}

		if err := s.transition(ctx, req, StatusTimeout, "", "approval expired", "timeout"); err != nil {
			s.logger.Error("Failed to expire approval", "approval_id", id, "error", err)
			continue
		}
		if s.notifier != nil {
			s.notifier.ApprovalResolved(ctx, req)
		}
		s.notifyResume(ctx, req)
		expired = append(expired, req)
	}
	return expired, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status         Status
	UserID         string
	ConversationID string
	Limit          int
}

// List returns approvals matching the intersection of the populated filter
// fields, ordered by creation time descending.
func (s *Store) List(ctx context.Context, f Filter) ([]*Request, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}

	var out []*Request
	for _, id := range ids {
		req, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue // expired under its index
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && req.Status != f.Status {
			continue
		}
		if f.UserID != "" && req.UserID != f.UserID {
			continue
		}
		if f.ConversationID != "" && req.ConversationID != f.ConversationID {
			continue
		}
		out = append(out, req)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// candidateIDs picks the narrowest index for the filter, falling back to a
// key scan when no index applies.
func (s *Store) candidateIDs(ctx context.Context, f Filter) ([]string, error) {
	switch {
	case f.ConversationID != "":
		return s.store.SMembers(ctx, conversationIndexKey(f.ConversationID))
	case f.UserID != "":
		return s.store.SMembers(ctx, userIndexKey(f.UserID))
	case f.Status != "":
		return s.store.SMembers(ctx, statusIndexKey(f.Status))
	}

	var ids []string
	var cursor uint64
	for {
		next, keys, err := s.store.Scan(ctx, cursor, "approval:*", 100)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			ids = append(ids, key[len("approval:"):])
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// GetAudit returns a request's audit trail in append order.
func (s *Store) GetAudit(ctx context.Context, id string) ([]AuditEntry, error) {
	raw, err := s.store.LRange(ctx, auditKey(id), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, line := range raw {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("decoding audit entry for %s: %w", id, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// Cleanup removes terminal approvals older than the retention window,
// together with their audit trails and index memberships. Returns the
// number removed.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clock().Add(-olderThan)
	removed := 0

	var cursor uint64
	for {
		next, keys, err := s.store.Scan(ctx, cursor, "approval:*", 100)
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			id := key[len("approval:"):]
			req, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			if !req.Status.Terminal() || req.UpdatedAt.After(cutoff) {
				continue
			}
			err = errors.Join(
				s.store.SRem(ctx, conversationIndexKey(req.ConversationID), id),
				s.store.SRem(ctx, userIndexKey(req.UserID), id),
				s.store.SRem(ctx, statusIndexKey(req.Status), id),
				s.store.Del(ctx, approvalKey(id), auditKey(id)),
			)
			if err != nil {
				s.logger.Error("Failed to clean up approval", "approval_id", id, "error", err)
				continue
			}
			removed++
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	if removed > 0 {
		s.logger.Info("Approval cleanup complete", "removed", removed)
	}
	return removed, nil
}

func (s *Store) persist(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding approval %s: %w", req.ID, err)
	}
	return s.store.SetEx(ctx, approvalKey(req.ID), string(data), approvalTTL)
}

func (s *Store) appendAudit(ctx context.Context, id string, entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry for %s: %w", id, err)
	}
	if err := s.store.RPush(ctx, auditKey(id), string(data)); err != nil {
		return err
	}
	if exp, ok := s.store.(kv.Expirer); ok {
		return exp.Expire(ctx, auditKey(id), auditTTL)
	}
	return nil
}

// notifyResume hands a resolved approval to the pause manager. Errors are
// logged; resume failure must not corrupt approval state.
func (s *Store) notifyResume(ctx context.Context, req *Request) {
	if s.resumer == nil {
		return
	}
	if err := s.resumer.Resume(ctx, req.ConversationID, req); err != nil {
		s.logger.Error("Failed to resume conversation after approval decision",
			"approval_id", req.ID,
			"conversation_id", req.ConversationID,
			"error", err)
	}
}
