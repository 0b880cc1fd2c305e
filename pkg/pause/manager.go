// Package pause binds approvals to conversations: it halts a conversation
// while an approval is pending, resumes it on decision, and expires pauses
// that outlive their deadline.
package pause

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/colloquy-ai/colloquy/pkg/approval"
	"github.com/colloquy-ai/colloquy/pkg/kv"
)

// Manager sentinel errors.
var (
	// ErrAlreadyPaused is returned on a double pause of one conversation.
	ErrAlreadyPaused = errors.New("conversation already paused")

	// ErrNotPaused is returned when resuming a conversation with no pause.
	ErrNotPaused = errors.New("conversation not paused")
)

// sweepInterval is how often the timeout monitor scans paused
// conversations.
const sweepInterval = 30 * time.Second

// PausedConversation is the durable pause record. The resume callback is
// process-local and not serialized.
type PausedConversation struct {
	ConversationID string         `json:"conversation_id"`
	ApprovalID     string         `json:"approval_id"`
	PausedAt       time.Time      `json:"paused_at"`
	Reason         string         `json:"reason"`
	Snapshot       map[string]any `json:"snapshot,omitempty"`
	PendingMessage string         `json:"pending_message,omitempty"`
	Timeout        time.Duration  `json:"timeout"`
}

// ResumeContext is handed to the resume callback when the pause lifts.
type ResumeContext struct {
	ConversationID  string
	ApprovalID      string
	Status          approval.Status
	Rationale       string
	PausedDuration  time.Duration
	OriginalContext map[string]any
	PendingMessage  string
}

// ResumeCallback restarts a paused conversation. Errors are logged and
// swallowed; a broken callback must not wedge the manager.
type ResumeCallback func(ctx context.Context, rc ResumeContext) error

// Listener observes pause lifecycle events. Listeners for one event run
// sequentially in registration order; panics are isolated.
type Listener func(ctx context.Context, pc *PausedConversation)

// ApprovalExpirer transitions a pending approval to timeout. Implemented by
// the approval store.
type ApprovalExpirer interface {
	Expire(ctx context.Context, id string) (*approval.Request, error)
	Get(ctx context.Context, id string) (*approval.Request, error)
}

func pauseKey(cid string) string { return "conversation:pause:" + cid }

type entry struct {
	record   *PausedConversation
	resumeCb ResumeCallback
}

// Manager owns the paused-conversation map. State is partitioned by
// conversation id; the map mutex is held only for bookkeeping, never across
// callbacks or persistence.
type Manager struct {
	store   kv.Store
	expirer ApprovalExpirer
	clock   func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	paused map[string]*entry

	listenerMu sync.RWMutex
	onPause    []Listener
	onResume   []Listener
	onTimeout  []Listener
	onCancel   []Listener

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a pause manager persisting through store. expirer may
// be nil; pauses then expire without touching their approvals.
func NewManager(store kv.Store, expirer ApprovalExpirer) *Manager {
	return &Manager{
		store:   store,
		expirer: expirer,
		clock:   time.Now,
		logger:  slog.With("component", "pause_manager"),
		paused:  make(map[string]*entry),
	}
}

// OnPause registers a pause listener.
func (m *Manager) OnPause(l Listener) { m.addListener(&m.onPause, l) }

// OnResume registers a resume listener.
func (m *Manager) OnResume(l Listener) { m.addListener(&m.onResume, l) }

// OnTimeout registers a timeout listener.
func (m *Manager) OnTimeout(l Listener) { m.addListener(&m.onTimeout, l) }

// OnCancel registers a cancel listener.
func (m *Manager) OnCancel(l Listener) { m.addListener(&m.onCancel, l) }

func (m *Manager) addListener(slot *[]Listener, l Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	*slot = append(*slot, l)
}

// PauseInput describes a pause request.
type PauseInput struct {
	ConversationID string
	ApprovalID     string
	Reason         string
	Snapshot       map[string]any
	PendingMessage string
	ResumeCallback ResumeCallback
	Timeout        time.Duration
}

// Pause halts a conversation pending an approval decision. Fails with
// ErrAlreadyPaused when the conversation is already paused.
func (m *Manager) Pause(ctx context.Context, in PauseInput) (*PausedConversation, error) {
	record := &PausedConversation{
		ConversationID: in.ConversationID,
		ApprovalID:     in.ApprovalID,
		PausedAt:       m.clock(),
		Reason:         in.Reason,
		Snapshot:       in.Snapshot,
		PendingMessage: in.PendingMessage,
		Timeout:        in.Timeout,
	}

	m.mu.Lock()
	if _, exists := m.paused[in.ConversationID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaused, in.ConversationID)
	}
	m.paused[in.ConversationID] = &entry{record: record, resumeCb: in.ResumeCallback}
	m.mu.Unlock()

	if err := m.persist(ctx, record); err != nil {
		m.mu.Lock()
		delete(m.paused, in.ConversationID)
		m.mu.Unlock()
		return nil, err
	}

	m.logger.Info("Conversation paused",
		"conversation_id", in.ConversationID,
		"approval_id", in.ApprovalID,
		"reason", in.Reason,
		"timeout", in.Timeout)

	m.fire(ctx, m.snapshotListeners(&m.onPause), record)
	return record, nil
}

// Resume lifts the pause for a conversation in response to a resolved
// approval. Implements approval.Resumer. The resume callback runs before
// state is cleared so a failed restart can be retried by the caller.
func (m *Manager) Resume(ctx context.Context, conversationID string, req *approval.Request) error {
	m.mu.Lock()
	e, ok := m.paused[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, conversationID)
	}
	delete(m.paused, conversationID)
	m.mu.Unlock()

	rc := ResumeContext{
		ConversationID:  conversationID,
		OriginalContext: e.record.Snapshot,
		PendingMessage:  e.record.PendingMessage,
		PausedDuration:  m.clock().Sub(e.record.PausedAt),
	}
	if req != nil {
		rc.ApprovalID = req.ID
		rc.Status = req.Status
		rc.Rationale = req.Rationale
	}

	if e.resumeCb != nil {
		if err := e.resumeCb(ctx, rc); err != nil {
			m.logger.Error("Resume callback failed",
				"conversation_id", conversationID,
				"approval_id", rc.ApprovalID,
				"error", err)
		}
	}

	if err := m.store.Del(ctx, pauseKey(conversationID)); err != nil {
		m.logger.Error("Failed to delete pause record",
			"conversation_id", conversationID, "error", err)
	}

	m.logger.Info("Conversation resumed",
		"conversation_id", conversationID,
		"approval_id", rc.ApprovalID,
		"status", rc.Status,
		"paused_for", rc.PausedDuration)

	m.fire(ctx, m.snapshotListeners(&m.onResume), e.record)
	return nil
}

// Cancel unilaterally clears a pause without touching the linked approval.
func (m *Manager) Cancel(ctx context.Context, conversationID, reason string) error {
	m.mu.Lock()
	e, ok := m.paused[conversationID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPaused, conversationID)
	}
	delete(m.paused, conversationID)
	m.mu.Unlock()

	if err := m.store.Del(ctx, pauseKey(conversationID)); err != nil {
		m.logger.Error("Failed to delete pause record",
			"conversation_id", conversationID, "error", err)
	}

	m.logger.Info("Pause cancelled", "conversation_id", conversationID, "reason", reason)
	m.fire(ctx, m.snapshotListeners(&m.onCancel), e.record)
	return nil
}

// IsPaused reports whether the conversation currently has a pause.
func (m *Manager) IsPaused(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.paused[conversationID]
	return ok
}

// Get returns the pause record for a conversation, or nil.
func (m *Manager) Get(conversationID string) *PausedConversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.paused[conversationID]
	if !ok {
		return nil
	}
	copied := *e.record
	return &copied
}

// Start launches the timeout monitor. Safe to call once.
func (m *Manager) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx)
	m.logger.Info("Pause timeout monitor started", "interval", sweepInterval)
}

// Stop signals the monitor to exit and waits for it.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.logger.Info("Pause timeout monitor stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// SweepExpired expires every pause past its deadline: the linked approval
// (if still pending) transitions to timeout, which resumes the
// conversation with the timeout outcome. Exported for tests and for a
// forced sweep at startup.
func (m *Manager) SweepExpired(ctx context.Context) {
	now := m.clock()

	m.mu.Lock()
	var expired []*entry
	for _, e := range m.paused {
		if e.record.Timeout > 0 && now.Sub(e.record.PausedAt) >= e.record.Timeout {
			expired = append(expired, e)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		m.expire(ctx, e)
	}
}

func (m *Manager) expire(ctx context.Context, e *entry) {
	record := e.record
	m.logger.Warn("Pause expired",
		"conversation_id", record.ConversationID,
		"approval_id", record.ApprovalID,
		"paused_at", record.PausedAt)

	m.fire(ctx, m.snapshotListeners(&m.onTimeout), record)

	if m.expirer == nil {
		// No approval store wired; just lift the pause.
		_ = m.Resume(ctx, record.ConversationID, nil)
		return
	}

	// Expiring the approval triggers Resume through the store's resumer
	// wiring. If the approval is already terminal (decided elsewhere),
	// resume directly with its current state.
	if _, err := m.expirer.Expire(ctx, record.ApprovalID); err != nil {
		if errors.Is(err, approval.ErrInvalidTransition) {
			req, getErr := m.expirer.Get(ctx, record.ApprovalID)
			if getErr != nil {
				m.logger.Error("Failed to load approval for expired pause",
					"approval_id", record.ApprovalID, "error", getErr)
				req = nil
			}
			_ = m.Resume(ctx, record.ConversationID, req)
			return
		}
		m.logger.Error("Failed to expire approval for pause",
			"approval_id", record.ApprovalID, "error", err)
	}
}

func (m *Manager) persist(ctx context.Context, record *PausedConversation) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding pause record for %s: %w", record.ConversationID, err)
	}
	return m.store.SetEx(ctx, pauseKey(record.ConversationID), string(data), record.Timeout)
}

func (m *Manager) snapshotListeners(slot *[]Listener) []Listener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	out := make([]Listener, len(*slot))
	copy(out, *slot)
	return out
}

// fire runs listeners sequentially in registration order with panic
// isolation.
func (m *Manager) fire(ctx context.Context, listeners []Listener, record *PausedConversation) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Pause listener panicked",
						"conversation_id", record.ConversationID, "panic", r)
				}
			}()
			l(ctx, record)
		}()
	}
}
