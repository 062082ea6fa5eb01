// ABOUTME: Handoff Lock Manager: grants and revokes exclusive human control of a conversation
// ABOUTME: Lock is an atomic test-and-set under the conversation guard and cancels any in-flight responder call

package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/handoff-gateway/internal/conversation"
	"github.com/2389/handoff-gateway/internal/guard"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/store"
)

// InflightCanceller abandons a running responder call. conversation.Service implements it.
type InflightCanceller interface {
	CancelInflight(conversationID string) bool
}

// Manager owns the locked_by/locked_at fields of every conversation.
type Manager struct {
	store       store.Store
	guard       guard.Guard
	inflight    InflightCanceller
	broadcaster *conversation.Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a lock manager. inflight, broadcaster, m and logger may be nil.
func New(s store.Store, g guard.Guard, inflight InflightCanceller, b *conversation.Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		store:       s,
		guard:       g,
		inflight:    inflight,
		broadcaster: b,
		metrics:     m,
		logger:      logger.With("component", "handoff"),
		now:         time.Now,
	}
}

// Lock gives agentID exclusive control. It succeeds only when the conversation is
// unlocked or already held by agentID (a no-op). Another holder yields
// *store.AlreadyLockedError carrying that holder.
func (m *Manager) Lock(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, &store.ValidationError{Field: "agent_id", Reason: "is required"}
	}

	unlock, err := m.guard.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.State == store.StateArchived {
		return nil, &store.TransitionError{ConversationID: conv.ID, From: conv.State, Event: string(conversation.TriggerLocked)}
	}

	switch conv.LockedBy {
	case agentID:
		m.metrics.LockAttempts.WithLabelValues("reentrant").Inc()
		return conv, nil
	case "":
	default:
		m.metrics.LockAttempts.WithLabelValues("contended").Inc()
		m.logger.Info("lock contended",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"holder", conv.LockedBy)
		return nil, &store.AlreadyLockedError{
			ConversationID: conversationID,
			Holder:         conv.LockedBy,
			LockedAt:       derefTime(conv.LockedAt),
		}
	}

	from := conv.State
	now := m.now()
	conv.LockedBy = agentID
	conv.LockedAt = &now
	conv.AssignedTo = agentID
	conv.UpdatedAt = now
	// Resolved conversations keep their state; the lock only marks who is looking at them
	if from != store.StateResolved {
		if err := conversation.Apply(conv, conversation.TriggerLocked); err != nil {
			return nil, err
		}
	}

	if err := m.store.CommitConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("committing lock: %w", err)
	}
	if from != conv.State {
		m.metrics.StateTransitions.WithLabelValues(string(from), string(conv.State)).Inc()
	}
	m.metrics.LockAttempts.WithLabelValues("acquired").Inc()

	if m.inflight != nil && m.inflight.CancelInflight(conversationID) {
		m.logger.Debug("cancelled in-flight responder call", "conversation_id", conversationID)
	}

	m.logger.Info("conversation locked",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"state", conv.State)
	m.notify("locked", conv)
	return conv, nil
}

// Unlock releases the lock held by agentID. override lets an administrator
// release another agent's lock; deciding who may override is the caller's job.
// State stays where it is; the next customer message moves it back to ai_handling.
func (m *Manager) Unlock(ctx context.Context, conversationID, agentID string, override bool) (*store.Conversation, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, &store.ValidationError{Field: "agent_id", Reason: "is required"}
	}

	unlock, err := m.guard.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Locked() {
		return nil, store.ErrNotLocked
	}
	if conv.LockedBy != agentID && !override {
		return nil, &store.AlreadyLockedError{
			ConversationID: conversationID,
			Holder:         conv.LockedBy,
			LockedAt:       derefTime(conv.LockedAt),
		}
	}

	holder := conv.LockedBy
	conv.LockedBy = ""
	conv.LockedAt = nil
	conv.UpdatedAt = m.now()
	if err := m.store.CommitConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("committing unlock: %w", err)
	}

	mode := "holder"
	if holder != agentID {
		mode = "override"
	}
	m.metrics.Unlocks.WithLabelValues(mode).Inc()
	m.logger.Info("conversation unlocked",
		"conversation_id", conversationID,
		"agent_id", agentID,
		"holder", holder,
		"mode", mode)
	m.notify("unlocked", conv)
	return conv, nil
}

func (m *Manager) notify(action string, conv *store.Conversation) {
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.Notify(&conversation.Event{
		Type:           conversation.EventConversation,
		Action:         action,
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		Conversation:   conv.Clone(),
	})
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
