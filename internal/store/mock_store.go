// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same version semantics

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	externalIndex map[string]string        // keyed by "org:channel:externalID" -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	alerts        map[string]*HandoffAlert // keyed by alert ID

	// CommitHook, when set, runs before every CommitConversation and can inject failures.
	CommitHook func(conv *Conversation) error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		externalIndex: make(map[string]string),
		messages:      make(map[string][]*Message),
		alerts:        make(map[string]*HandoffAlert),
	}
}

func externalKey(orgID string, channel Channel, externalID string) string {
	return orgID + ":" + string(channel) + ":" + externalID
}

func copyMessage(msg *Message) *Message {
	cp := *msg
	cp.AIMetadata = maps.Clone(msg.AIMetadata)
	if msg.ConfidenceScore != nil {
		score := *msg.ConfidenceScore
		cp.ConfidenceScore = &score
	}
	if msg.ReadAt != nil {
		t := *msg.ReadAt
		cp.ReadAt = &t
	}
	return &cp
}

func copyAlert(alert *HandoffAlert) *HandoffAlert {
	cp := *alert
	if alert.AcknowledgedAt != nil {
		t := *alert.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if alert.ResolvedAt != nil {
		t := *alert.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; ok {
		return ErrDuplicate
	}
	if conv.ExternalID != "" {
		key := externalKey(conv.OrganizationID, conv.Channel, conv.ExternalID)
		if _, ok := m.externalIndex[key]; ok {
			return ErrDuplicate
		}
		m.externalIndex[key] = conv.ID
	}

	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// GetConversationByExternalID retrieves a conversation by its channel-side identity.
func (m *MockStore) GetConversationByExternalID(ctx context.Context, organizationID string, channel Channel, externalID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.externalIndex[externalKey(organizationID, channel, externalID)]
	if !ok {
		return nil, ErrNotFound
	}
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

// ListConversations returns conversations matching filter, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, conv := range m.conversations {
		if filter.OrganizationID != "" && conv.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.State != "" && conv.State != filter.State {
			continue
		}
		if filter.ResolvedBefore != nil && (conv.ResolvedAt == nil || !conv.ResolvedAt.Before(*filter.ResolvedBefore)) {
			continue
		}
		result = append(result, conv.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CommitConversation saves conv and appends msgs if the version matches.
func (m *MockStore) CommitConversation(ctx context.Context, conv *Conversation, msgs ...*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitHook != nil {
		if err := m.CommitHook(conv); err != nil {
			return err
		}
	}

	stored, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != conv.Version {
		return ErrVersionConflict
	}

	existing := m.messages[conv.ID]
	for _, msg := range msgs {
		for _, e := range existing {
			if e.Seq == msg.Seq {
				return ErrVersionConflict
			}
		}
	}

	for _, msg := range msgs {
		existing = append(existing, copyMessage(msg))
	}
	m.messages[conv.ID] = existing

	conv.Version++
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// GetMessages retrieves messages for a conversation in sequence order.
func (m *MockStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		result = append(result, copyMessage(msg))
	}
	return result, nil
}

// MarkConversationRead marks unread customer messages read and zeroes the counter.
func (m *MockStore) MarkConversationRead(ctx context.Context, conv *Conversation, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != conv.Version {
		return ErrVersionConflict
	}

	for _, msg := range m.messages[conv.ID] {
		if msg.Sender == SenderCustomer && !msg.IsRead {
			msg.IsRead = true
			readAt := at
			msg.ReadAt = &readAt
		}
	}

	conv.UnreadCount = 0
	conv.UpdatedAt = at
	conv.Version++
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

// CreateAlert stores a new alert.
func (m *MockStore) CreateAlert(ctx context.Context, alert *HandoffAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[alert.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.conversations[alert.ConversationID]; !ok {
		return ErrNotFound
	}
	m.alerts[alert.ID] = copyAlert(alert)
	return nil
}

// GetAlert retrieves an alert by ID.
func (m *MockStore) GetAlert(ctx context.Context, id string) (*HandoffAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(alert), nil
}

// UpdateAlert saves alert lifecycle fields if the version matches.
func (m *MockStore) UpdateAlert(ctx context.Context, alert *HandoffAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[alert.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != alert.Version {
		return ErrVersionConflict
	}

	alert.Version++
	updated := copyAlert(alert)
	// Immutable after creation
	updated.Type = stored.Type
	updated.Priority = stored.Priority
	updated.TriggerMessageID = stored.TriggerMessageID
	m.alerts[alert.ID] = updated
	return nil
}

// ListAlerts returns alerts matching filter, newest first.
func (m *MockStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*HandoffAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*HandoffAlert
	for _, alert := range m.alerts {
		if filter.OrganizationID != "" && alert.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.ConversationID != "" && alert.ConversationID != filter.ConversationID {
			continue
		}
		if filter.Type != "" && alert.Type != filter.Type {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, alert.Status) {
			continue
		}
		result = append(result, copyAlert(alert))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)
