// ABOUTME: Server-Sent Event streams of committed conversation and alert changes
// ABOUTME: Agent dashboards subscribe per conversation or per organization alert feed

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/conversation"
)

const heartbeatInterval = 15 * time.Second

// EventResponse is the data payload of one SSE event.
type EventResponse struct {
	ID             string                `json:"id"`
	Type           string                `json:"type"`
	Action         string                `json:"action"`
	ConversationID string                `json:"conversation_id"`
	OrganizationID string                `json:"organization_id"`
	Conversation   *ConversationResponse `json:"conversation,omitempty"`
	Message        *MessageResponse      `json:"message,omitempty"`
	Alert          *AlertResponse        `json:"alert,omitempty"`
	At             string                `json:"at"`
}

func eventResponse(e *conversation.Event) EventResponse {
	resp := EventResponse{
		ID:             e.ID,
		Type:           string(e.Type),
		Action:         e.Action,
		ConversationID: e.ConversationID,
		OrganizationID: e.OrganizationID,
		At:             formatTime(e.At),
	}
	if e.Conversation != nil {
		c := conversationResponse(e.Conversation)
		resp.Conversation = &c
	}
	if e.Message != nil {
		m := messageResponse(e.Message)
		resp.Message = &m
	}
	if e.Alert != nil {
		a := alertResponse(e.Alert)
		resp.Alert = &a
	}
	return resp
}

// handleConversationEvents handles GET /api/conversations/{id}/events.
// The stream opens with a "snapshot" event carrying the current aggregate.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := g.broadcaster.Subscribe(r.Context(), conv.ID)

	// Re-read after subscribing so no commit falls between snapshot and stream.
	snapshot, err := g.conversations.Get(r.Context(), conv.ID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	setSSEHeaders(w)
	g.writeSSEEvent(w, "snapshot", conversationResponse(snapshot))
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events, nil)
}

// handleAlertEvents handles GET /api/alerts/events?organization=.
func (g *Gateway) handleAlertEvents(w http.ResponseWriter, r *http.Request) {
	orgID, ok := g.scopeOrganization(w, auth.FromContext(r.Context()), r.URL.Query().Get("organization"))
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, _ := g.broadcaster.Subscribe(r.Context(), conversation.OrgKey(orgID))

	setSSEHeaders(w)
	g.writeSSEEvent(w, "ready", map[string]string{"organization_id": orgID})
	flusher.Flush()

	g.streamEvents(r.Context(), w, flusher, events, func(e *conversation.Event) bool {
		return e.Type == conversation.EventAlert
	})
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// streamEvents writes events until the client goes away or the broadcaster closes.
// Events named "<type>.<action>"; keep filters what is sent when non-nil.
func (g *Gateway) streamEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, events <-chan *conversation.Event, keep func(*conversation.Event) bool) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case e, ok := <-events:
			if !ok {
				return
			}
			if keep != nil && !keep(e) {
				continue
			}
			g.writeSSEEvent(w, string(e.Type)+"."+e.Action, eventResponse(e))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
