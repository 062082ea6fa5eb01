// ABOUTME: In-memory fan-out of committed conversation and alert changes
// ABOUTME: Subscribers register for a conversation id or an organization key and receive events after commit

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType groups events by the record that changed.
type EventType string

const (
	EventConversation EventType = "conversation"
	EventMessage      EventType = "message"
	EventAlert        EventType = "alert"
)

// Event is a committed change. Exactly one of Conversation/Message/Alert is the
// subject; Conversation is also attached to message events as the post-commit snapshot.
type Event struct {
	ID             string
	Type           EventType
	Action         string // created, appended, locked, unlocked, resolved, archived, classified, read, escalated, opened, acknowledged
	ConversationID string
	OrganizationID string
	Conversation   *store.Conversation
	Message        *store.Message
	Alert          *store.HandoffAlert
	At             time.Time
}

// OrgKey is the subscription key for every event in an organization.
func OrgKey(organizationID string) string {
	return "org:" + organizationID
}

// Broadcaster provides in-memory pub/sub for committed changes. Push is best
// effort: readers reconcile by re-reading, so slow subscribers lose events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for events on key (a conversation id or OrgKey).
// The subscription is removed and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends event to all subscribers of key without blocking.
func (b *Broadcaster) Publish(key string, event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send.
	for _, ch := range b.subscribers[key] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"key", key,
				"event_id", event.ID)
		}
	}
}

// Notify publishes event to its conversation and organization keys.
func (b *Broadcaster) Notify(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.Publish(event.ConversationID, event)
	if event.OrganizationID != "" {
		b.Publish(OrgKey(event.OrganizationID), event)
	}
}

// PublishAlert announces an alert change.
func (b *Broadcaster) PublishAlert(alert *store.HandoffAlert, opened bool) {
	action := string(alert.Status)
	if opened {
		action = "opened"
	}
	b.Notify(&Event{
		Type:           EventAlert,
		Action:         action,
		ConversationID: alert.ConversationID,
		OrganizationID: alert.OrganizationID,
		Alert:          alert,
	})
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on key.
func (b *Broadcaster) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[key])
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.logger.Debug("broadcaster closed")
}
