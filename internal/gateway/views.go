// ABOUTME: JSON response types for conversations, messages and alerts
// ABOUTME: Also renders conversation transcripts to HTML with goldmark for agent dashboards

package gateway

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/handoff-gateway/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTmpl = template.Must(template.ParseFS(templateFS, "templates/transcript.html"))

// ConversationResponse is the JSON view of a conversation aggregate.
type ConversationResponse struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	LocationID     string   `json:"location_id,omitempty"`
	Channel        string   `json:"channel"`
	ExternalID     string   `json:"external_id"`
	State          string   `json:"state"`
	LockedBy       string   `json:"locked_by,omitempty"`
	LockedAt       string   `json:"locked_at,omitempty"`
	AssignedTo     string   `json:"assigned_to,omitempty"`
	Intent         string   `json:"intent,omitempty"`
	Sentiment      string   `json:"sentiment,omitempty"`
	Tags           []string `json:"tags"`
	UnreadCount    int      `json:"unread_count"`
	LastSeq        int64    `json:"last_seq"`
	ResolvedAt     string   `json:"resolved_at,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	Version        int64    `json:"version"`
}

// MessageResponse is the JSON view of one log entry.
type MessageResponse struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Seq             int64          `json:"seq"`
	Sender          string         `json:"sender"`
	AuthorID        string         `json:"author_id,omitempty"`
	Content         string         `json:"content"`
	ExternalID      string         `json:"external_id,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	Intent          string         `json:"intent,omitempty"`
	AIMetadata      map[string]any `json:"ai_metadata,omitempty"`
	IsRead          bool           `json:"is_read"`
	ReadAt          string         `json:"read_at,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// AlertResponse is the JSON view of a handoff alert.
type AlertResponse struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversation_id"`
	OrganizationID   string `json:"organization_id"`
	Type             string `json:"type"`
	Priority         string `json:"priority"`
	Status           string `json:"status"`
	TriggerMessageID string `json:"trigger_message_id,omitempty"`
	Reason           string `json:"reason"`
	AcknowledgedBy   string `json:"acknowledged_by,omitempty"`
	AcknowledgedAt   string `json:"acknowledged_at,omitempty"`
	ResolvedBy       string `json:"resolved_by,omitempty"`
	ResolvedAt       string `json:"resolved_at,omitempty"`
	ResolutionNotes  string `json:"resolution_notes,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// ConversationDetailResponse is the JSON response for GET /api/conversations/{id}.
type ConversationDetailResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
	OpenAlerts   []AlertResponse      `json:"open_alerts"`
}

// SubmitMessageResponse is the JSON response for POST /api/conversations/{id}/messages.
type SubmitMessageResponse struct {
	Message      MessageResponse      `json:"message"`
	Reply        *MessageResponse     `json:"reply,omitempty"`
	Alert        *AlertResponse       `json:"alert,omitempty"`
	Conversation ConversationResponse `json:"conversation"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func conversationResponse(c *store.Conversation) ConversationResponse {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return ConversationResponse{
		ID:             c.ID,
		OrganizationID: c.OrganizationID,
		LocationID:     c.LocationID,
		Channel:        string(c.Channel),
		ExternalID:     c.ExternalID,
		State:          string(c.State),
		LockedBy:       c.LockedBy,
		LockedAt:       formatOptionalTime(c.LockedAt),
		AssignedTo:     c.AssignedTo,
		Intent:         c.Intent,
		Sentiment:      c.Sentiment,
		Tags:           tags,
		UnreadCount:    c.UnreadCount,
		LastSeq:        c.LastSeq,
		ResolvedAt:     formatOptionalTime(c.ResolvedAt),
		CreatedAt:      formatTime(c.CreatedAt),
		UpdatedAt:      formatTime(c.UpdatedAt),
		Version:        c.Version,
	}
}

func messageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		Seq:             m.Seq,
		Sender:          string(m.Sender),
		AuthorID:        m.AuthorID,
		Content:         m.Content,
		ExternalID:      m.ExternalID,
		ConfidenceScore: m.ConfidenceScore,
		Intent:          m.Intent,
		AIMetadata:      m.AIMetadata,
		IsRead:          m.IsRead,
		ReadAt:          formatOptionalTime(m.ReadAt),
		CreatedAt:       formatTime(m.CreatedAt),
	}
}

func alertResponse(a *store.HandoffAlert) AlertResponse {
	return AlertResponse{
		ID:               a.ID,
		ConversationID:   a.ConversationID,
		OrganizationID:   a.OrganizationID,
		Type:             string(a.Type),
		Priority:         string(a.Priority),
		Status:           string(a.Status),
		TriggerMessageID: a.TriggerMessageID,
		Reason:           a.Reason,
		AcknowledgedBy:   a.AcknowledgedBy,
		AcknowledgedAt:   formatOptionalTime(a.AcknowledgedAt),
		ResolvedBy:       a.ResolvedBy,
		ResolvedAt:       formatOptionalTime(a.ResolvedAt),
		ResolutionNotes:  a.ResolutionNotes,
		CreatedAt:        formatTime(a.CreatedAt),
		UpdatedAt:        formatTime(a.UpdatedAt),
	}
}

func messageResponses(msgs []*store.Message) []MessageResponse {
	out := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = messageResponse(m)
	}
	return out
}

func alertResponses(alerts []*store.HandoffAlert) []AlertResponse {
	out := make([]AlertResponse, len(alerts))
	for i, a := range alerts {
		out[i] = alertResponse(a)
	}
	return out
}

type transcriptEntry struct {
	Seq       int64
	Sender    string
	AuthorID  string
	CreatedAt string
	Content   template.HTML
}

// renderMarkdown converts message text to HTML. Raw HTML in the source is omitted by goldmark.
func renderMarkdown(content string, logger *slog.Logger) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		logger.Error("failed to convert markdown", "error", err)
		return template.HTML("<p>" + template.HTMLEscapeString(content) + "</p>")
	}
	return template.HTML(buf.String())
}

// writeTranscript renders a conversation and its messages as an HTML page.
func (g *Gateway) writeTranscript(w http.ResponseWriter, conv *store.Conversation, msgs []*store.Message) {
	entries := make([]transcriptEntry, len(msgs))
	for i, m := range msgs {
		entries[i] = transcriptEntry{
			Seq:       m.Seq,
			Sender:    string(m.Sender),
			AuthorID:  m.AuthorID,
			CreatedAt: formatTime(m.CreatedAt),
			Content:   renderMarkdown(m.Content, g.logger),
		}
	}

	data := struct {
		Conversation ConversationResponse
		Messages     []transcriptEntry
	}{
		Conversation: conversationResponse(conv),
		Messages:     entries,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTmpl.Execute(w, data); err != nil {
		g.logger.Error("failed to render transcript", "conversation_id", conv.ID, "error", err)
	}
}
