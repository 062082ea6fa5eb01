// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines Conversation, Message, HandoffAlert and their closed enum types

package store

import (
	"context"
	"slices"
	"time"
)

// Channel is the customer-facing channel a conversation arrived on.
type Channel string

const (
	ChannelWebsite   Channel = "website"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWebsite, ChannelWhatsApp, ChannelInstagram:
		return true
	}
	return false
}

// ConversationState is the handling mode of a conversation.
type ConversationState string

const (
	StateNew          ConversationState = "new"
	StateAIHandling   ConversationState = "ai_handling"
	StateAwaitingUser ConversationState = "awaiting_user"
	StateHumanHandoff ConversationState = "human_handoff"
	StateResolved     ConversationState = "resolved"
	StateArchived     ConversationState = "archived"
)

// Valid reports whether s is a known state.
func (s ConversationState) Valid() bool {
	switch s {
	case StateNew, StateAIHandling, StateAwaitingUser, StateHumanHandoff, StateResolved, StateArchived:
		return true
	}
	return false
}

// Terminal reports whether s is resolved or archived.
func (s ConversationState) Terminal() bool {
	switch s {
	case StateResolved, StateArchived:
		return true
	case StateNew, StateAIHandling, StateAwaitingUser, StateHumanHandoff:
		return false
	}
	return false
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAI       Sender = "ai"
	SenderHuman    Sender = "human"
	SenderSystem   Sender = "system"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderCustomer, SenderAI, SenderHuman, SenderSystem:
		return true
	}
	return false
}

// AlertType is the escalation rule that opened an alert.
type AlertType string

const (
	AlertLowConfidence     AlertType = "low_confidence"
	AlertExplicitRequest   AlertType = "explicit_request"
	AlertComplexQuery      AlertType = "complex_query"
	AlertNegativeSentiment AlertType = "negative_sentiment"
	AlertVIPCustomer       AlertType = "vip_customer"
)

// Valid reports whether t is a known alert type.
func (t AlertType) Valid() bool {
	switch t {
	case AlertLowConfidence, AlertExplicitRequest, AlertComplexQuery, AlertNegativeSentiment, AlertVIPCustomer:
		return true
	}
	return false
}

// AlertPriority is fixed when an alert opens.
type AlertPriority string

const (
	PriorityLow    AlertPriority = "low"
	PriorityMedium AlertPriority = "medium"
	PriorityHigh   AlertPriority = "high"
	PriorityUrgent AlertPriority = "urgent"
)

// Valid reports whether p is a known priority.
func (p AlertPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// AlertStatus moves forward only: pending -> acknowledged -> resolved, or pending -> resolved.
type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known alert status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertPending, AlertAcknowledged, AlertResolved:
		return true
	}
	return false
}

// Open reports whether the alert still needs attention.
func (s AlertStatus) Open() bool {
	switch s {
	case AlertPending, AlertAcknowledged:
		return true
	case AlertResolved:
		return false
	}
	return false
}

// Conversation is the aggregate root: state, lock ownership and message log bookkeeping.
// Version is bumped on every committed write and is used for compare-and-swap.
type Conversation struct {
	ID             string
	OrganizationID string
	LocationID     string // optional
	Channel        Channel
	ExternalID     string // channel-side thread id (phone number, widget session, ...)
	State          ConversationState

	LockedBy   string
	LockedAt   *time.Time
	AssignedTo string

	Intent    string
	Sentiment string
	Tags      []string

	UnreadCount     int
	LastSeq         int64 // seq of the newest message
	LastCustomerSeq int64 // seq of the newest customer message

	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int64
}

// Locked reports whether a human agent holds exclusive control.
func (c *Conversation) Locked() bool {
	return c.LockedBy != ""
}

// HasTag reports whether the conversation carries tag (case-sensitive).
func (c *Conversation) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Tags = slices.Clone(c.Tags)
	if c.LockedAt != nil {
		t := *c.LockedAt
		cp.LockedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Message is one entry of a conversation's append-only log.
// Only the read receipt (IsRead/ReadAt) changes after append.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64
	Sender         Sender
	AuthorID       string // agent id for human messages, empty otherwise
	Content        string
	ExternalID     string // channel-side message id, used for idempotent ingestion

	ConfidenceScore *float64 // ai messages only
	Intent          string
	AIMetadata      map[string]any

	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// HandoffAlert is a triaged notification that a conversation needs a human.
type HandoffAlert struct {
	ID               string
	ConversationID   string
	OrganizationID   string
	Type             AlertType
	Priority         AlertPriority
	Status           AlertStatus
	TriggerMessageID string
	Reason           string

	AcknowledgedBy  string
	AcknowledgedAt  *time.Time
	ResolvedBy      string
	ResolvedAt      *time.Time
	ResolutionNotes string

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// ConversationFilter narrows ListConversations. Zero values mean "any".
type ConversationFilter struct {
	OrganizationID string
	State          ConversationState
	ResolvedBefore *time.Time
	Limit          int
}

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	OrganizationID string
	ConversationID string
	Type           AlertType
	Statuses       []AlertStatus
	Limit          int
}

// Store defines the persistence contract for conversation aggregates and alerts.
// Writers must hold the conversation's guard; the store enforces optimistic versioning
// so a write that skipped the guard fails instead of overwriting.
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByExternalID(ctx context.Context, organizationID string, channel Channel, externalID string) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*Conversation, error)

	// CommitConversation saves conv and appends msgs in one transaction. It fails with
	// ErrVersionConflict when the stored version differs from conv.Version, and bumps
	// conv.Version on success.
	CommitConversation(ctx context.Context, conv *Conversation, msgs ...*Message) error

	// Messages
	GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	MarkConversationRead(ctx context.Context, conv *Conversation, at time.Time) error

	// Alerts
	CreateAlert(ctx context.Context, alert *HandoffAlert) error
	GetAlert(ctx context.Context, id string) (*HandoffAlert, error)
	UpdateAlert(ctx context.Context, alert *HandoffAlert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*HandoffAlert, error)

	Ping(ctx context.Context) error
	Close() error
}
