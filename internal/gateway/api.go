// ABOUTME: HTTP API handlers for conversations, message submission, handoff locks and alerts
// ABOUTME: Maps service errors onto status codes and enforces per-organization access

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/conversation"
	"github.com/2389/handoff-gateway/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 1000
)

// EnsureConversationRequest is the JSON request body for POST /api/conversations.
type EnsureConversationRequest struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	LocationID     string   `json:"location_id,omitempty"`
	Channel        string   `json:"channel"`
	ExternalID     string   `json:"external_id"`
	Tags           []string `json:"tags,omitempty"`
}

// SubmitMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
// Sender defaults from the caller's role: channel adapters post customer messages,
// responders post ai messages and agents post human messages.
type SubmitMessageRequest struct {
	Sender          string         `json:"sender,omitempty"`
	Content         string         `json:"content"`
	ExternalID      string         `json:"external_id,omitempty"`
	AuthorID        string         `json:"author_id,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
	Intent          string         `json:"intent,omitempty"`
	Sentiment       string         `json:"sentiment,omitempty"`
	AIMetadata      map[string]any `json:"ai_metadata,omitempty"`
}

// UnlockRequest is the JSON request body for POST /api/conversations/{id}/unlock.
type UnlockRequest struct {
	Override bool `json:"override,omitempty"`
}

// ClassifyRequest is the JSON request body for POST /api/conversations/{id}/classify.
type ClassifyRequest struct {
	Intent    string   `json:"intent,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ResolveAlertRequest is the JSON request body for POST /api/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	Notes string `json:"notes,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Error    string `json:"error"`
	Field    string `json:"field,omitempty"`
	Detail   string `json:"detail,omitempty"`
	LockedBy string `json:"locked_by,omitempty"`
	LockedAt string `json:"locked_at,omitempty"`
	State    string `json:"state,omitempty"`
	Status   string `json:"status,omitempty"`
}

// registerAPIRoutes registers every /api route behind authn and a role check.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authn func(http.Handler) http.Handler) {
	route := func(pattern string, h http.HandlerFunc, roles ...auth.Role) {
		mux.Handle(pattern, authn(auth.RequireRole(roles...)(h)))
	}

	anyone := []auth.Role{auth.RoleAgent, auth.RoleChannel, auth.RoleResponder}
	agents := []auth.Role{auth.RoleAgent}

	route("POST /api/conversations", g.handleEnsureConversation, auth.RoleChannel)
	route("GET /api/conversations", g.handleListConversations, agents...)
	route("GET /api/conversations/{id}", g.handleGetConversation, anyone...)
	route("POST /api/conversations/{id}/messages", g.handleSubmitMessage, anyone...)
	route("POST /api/conversations/{id}/lock", g.handleLock, agents...)
	route("POST /api/conversations/{id}/unlock", g.handleUnlock, agents...)
	route("POST /api/conversations/{id}/resolve", g.handleResolve, agents...)
	route("POST /api/conversations/{id}/archive", g.handleArchive, auth.RoleAdmin)
	route("POST /api/conversations/{id}/read", g.handleMarkRead, agents...)
	route("POST /api/conversations/{id}/classify", g.handleClassify, auth.RoleAgent, auth.RoleResponder)
	route("GET /api/conversations/{id}/events", g.handleConversationEvents, anyone...)

	route("GET /api/alerts", g.handleListAlerts, agents...)
	route("GET /api/alerts/events", g.handleAlertEvents, agents...)
	route("POST /api/alerts/{id}/acknowledge", g.handleAcknowledgeAlert, agents...)
	route("POST /api/alerts/{id}/resolve", g.handleResolveAlert, agents...)
}

// handleEnsureConversation handles POST /api/conversations.
// Returns 201 when the conversation was created and 200 when it already existed.
func (g *Gateway) handleEnsureConversation(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req EnsureConversationRequest
	if !g.decodeJSON(w, r, &req, false) {
		return
	}

	orgID := req.OrganizationID
	if orgID == "" {
		orgID = id.OrganizationID
	}
	if !id.CanAccess(orgID) {
		g.sendJSONError(w, http.StatusForbidden, "organization not permitted")
		return
	}

	conv, created, err := g.conversations.Ensure(r.Context(), conversation.EnsureRequest{
		OrganizationID: orgID,
		LocationID:     req.LocationID,
		Channel:        store.Channel(req.Channel),
		ExternalID:     req.ExternalID,
		Tags:           req.Tags,
	})
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, conversationResponse(conv))
}

// handleListConversations handles GET /api/conversations?organization=&state=&limit=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	orgID, ok := g.scopeOrganization(w, id, q.Get("organization"))
	if !ok {
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	filter := store.ConversationFilter{OrganizationID: orgID, Limit: limit}
	if state := q.Get("state"); state != "" {
		filter.State = store.ConversationState(state)
		if !filter.State.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown state "+state)
			return
		}
	}

	convs, err := g.conversations.List(r.Context(), filter)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	response := make([]ConversationResponse, len(convs))
	for i, c := range convs {
		response[i] = conversationResponse(c)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleGetConversation handles GET /api/conversations/{id}.
// ?render=html returns the transcript as an HTML page instead of JSON.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	msgs, err := g.conversations.Messages(r.Context(), conv.ID, limit)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	if r.URL.Query().Get("render") == "html" {
		g.writeTranscript(w, conv, msgs)
		return
	}

	alerts, err := g.alerts.List(r.Context(), store.AlertFilter{
		ConversationID: conv.ID,
		Statuses:       []store.AlertStatus{store.AlertPending, store.AlertAcknowledged},
	})
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	g.sendJSON(w, http.StatusOK, ConversationDetailResponse{
		Conversation: conversationResponse(conv),
		Messages:     messageResponses(msgs),
		OpenAlerts:   alertResponses(alerts),
	})
}

// defaultSender returns the sender implied by the caller's role.
func defaultSender(role auth.Role) store.Sender {
	switch role {
	case auth.RoleChannel:
		return store.SenderCustomer
	case auth.RoleResponder:
		return store.SenderAI
	case auth.RoleAgent:
		return store.SenderHuman
	case auth.RoleAdmin:
	}
	return ""
}

// senderPermitted reports whether role may post messages as sender.
func senderPermitted(role auth.Role, sender store.Sender) bool {
	switch role {
	case auth.RoleAdmin:
		return true
	case auth.RoleChannel:
		return sender == store.SenderCustomer || sender == store.SenderSystem
	case auth.RoleResponder:
		return sender == store.SenderAI
	case auth.RoleAgent:
		return sender == store.SenderHuman
	}
	return false
}

// handleSubmitMessage handles POST /api/conversations/{id}/messages.
// A replayed external_id is acknowledged with 202 and no side effects.
func (g *Gateway) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req SubmitMessageRequest
	if !g.decodeJSON(w, r, &req, false) {
		return
	}

	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	sender := store.Sender(req.Sender)
	if sender == "" {
		sender = defaultSender(id.Role)
	}
	if sender != "" && !senderPermitted(id.Role, sender) {
		g.sendJSONError(w, http.StatusForbidden, "role "+string(id.Role)+" cannot post "+string(sender)+" messages")
		return
	}

	authorID := req.AuthorID
	if sender == store.SenderHuman && (authorID == "" || !id.IsAdmin()) {
		authorID = id.Subject
	}

	res, err := g.conversations.Submit(r.Context(), conversation.SubmitRequest{
		ConversationID: conv.ID,
		Sender:         sender,
		AuthorID:       authorID,
		Content:        req.Content,
		ExternalID:     req.ExternalID,
		Confidence:     req.ConfidenceScore,
		Intent:         req.Intent,
		Sentiment:      req.Sentiment,
		AIMetadata:     req.AIMetadata,
	})
	if errors.Is(err, store.ErrDuplicateMessage) {
		g.sendJSON(w, http.StatusAccepted, map[string]any{"duplicate": true, "external_id": req.ExternalID})
		return
	}
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	response := SubmitMessageResponse{
		Message:      messageResponse(res.Message),
		Conversation: conversationResponse(res.Conversation),
	}
	if res.Reply != nil {
		reply := messageResponse(res.Reply)
		response.Reply = &reply
	}
	if res.Alert != nil {
		alert := alertResponse(res.Alert)
		response.Alert = &alert
	}
	g.sendJSON(w, http.StatusCreated, response)
}

// handleLock handles POST /api/conversations/{id}/lock for the calling agent.
func (g *Gateway) handleLock(w http.ResponseWriter, r *http.Request) {
	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	locked, err := g.handoffs.Lock(r.Context(), conv.ID, auth.FromContext(r.Context()).Subject)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversationResponse(locked))
}

// handleUnlock handles POST /api/conversations/{id}/unlock. Only admins may override.
func (g *Gateway) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())

	var req UnlockRequest
	if !g.decodeJSON(w, r, &req, true) {
		return
	}
	if req.Override && !id.IsAdmin() {
		g.sendJSONError(w, http.StatusForbidden, "override requires admin role")
		return
	}

	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	unlocked, err := g.handoffs.Unlock(r.Context(), conv.ID, id.Subject, req.Override)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversationResponse(unlocked))
}

// handleResolve handles POST /api/conversations/{id}/resolve.
func (g *Gateway) handleResolve(w http.ResponseWriter, r *http.Request) {
	g.conversationAction(w, r, func(ctx context.Context, convID string, id *auth.Identity) (*store.Conversation, error) {
		return g.conversations.Resolve(ctx, convID, id.Subject)
	})
}

// handleArchive handles POST /api/conversations/{id}/archive.
func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	g.conversationAction(w, r, func(ctx context.Context, convID string, _ *auth.Identity) (*store.Conversation, error) {
		return g.conversations.Archive(ctx, convID)
	})
}

// handleMarkRead handles POST /api/conversations/{id}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	g.conversationAction(w, r, func(ctx context.Context, convID string, _ *auth.Identity) (*store.Conversation, error) {
		return g.conversations.MarkRead(ctx, convID)
	})
}

// handleClassify handles POST /api/conversations/{id}/classify.
func (g *Gateway) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if !g.decodeJSON(w, r, &req, false) {
		return
	}

	g.conversationAction(w, r, func(ctx context.Context, convID string, _ *auth.Identity) (*store.Conversation, error) {
		return g.conversations.Classify(ctx, conversation.ClassifyRequest{
			ConversationID: convID,
			Intent:         req.Intent,
			Sentiment:      req.Sentiment,
			Tags:           req.Tags,
		})
	})
}

// conversationAction runs fn against an accessible conversation and writes the result.
func (g *Gateway) conversationAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, convID string, id *auth.Identity) (*store.Conversation, error)) {
	conv, ok := g.authorizedConversation(w, r)
	if !ok {
		return
	}

	updated, err := fn(r.Context(), conv.ID, auth.FromContext(r.Context()))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, conversationResponse(updated))
}

// handleListAlerts handles GET /api/alerts?organization=&status=&conversation_id=&limit=.
// Without a status filter only open alerts are listed.
func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	q := r.URL.Query()

	orgID, ok := g.scopeOrganization(w, id, q.Get("organization"))
	if !ok {
		return
	}

	limit, ok := g.parseLimit(w, r)
	if !ok {
		return
	}

	filter := store.AlertFilter{
		OrganizationID: orgID,
		ConversationID: q.Get("conversation_id"),
		Limit:          limit,
		Statuses:       []store.AlertStatus{store.AlertPending, store.AlertAcknowledged},
	}
	if raw := q.Get("status"); raw != "" {
		filter.Statuses = nil
		for _, s := range strings.Split(raw, ",") {
			status := store.AlertStatus(strings.TrimSpace(s))
			if !status.Valid() {
				g.sendJSONError(w, http.StatusBadRequest, "unknown status "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if t := q.Get("type"); t != "" {
		filter.Type = store.AlertType(t)
		if !filter.Type.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown alert type "+t)
			return
		}
	}

	alerts, err := g.alerts.List(r.Context(), filter)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, alertResponses(alerts))
}

// handleAcknowledgeAlert handles POST /api/alerts/{id}/acknowledge.
func (g *Gateway) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, ok := g.authorizedAlert(w, r)
	if !ok {
		return
	}

	updated, err := g.alerts.Acknowledge(r.Context(), alert.ID, auth.FromContext(r.Context()).Subject)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, alertResponse(updated))
}

// handleResolveAlert handles POST /api/alerts/{id}/resolve.
func (g *Gateway) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req ResolveAlertRequest
	if !g.decodeJSON(w, r, &req, true) {
		return
	}

	alert, ok := g.authorizedAlert(w, r)
	if !ok {
		return
	}

	updated, err := g.alerts.Resolve(r.Context(), alert.ID, auth.FromContext(r.Context()).Subject, req.Notes)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, alertResponse(updated))
}

// authorizedConversation loads the {id} conversation. Conversations of other
// organizations are reported as missing.
func (g *Gateway) authorizedConversation(w http.ResponseWriter, r *http.Request) (*store.Conversation, bool) {
	conv, err := g.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return nil, false
	}
	if !auth.FromContext(r.Context()).CanAccess(conv.OrganizationID) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

// authorizedAlert loads the {id} alert with the same organization scoping.
func (g *Gateway) authorizedAlert(w http.ResponseWriter, r *http.Request) (*store.HandoffAlert, bool) {
	alert, err := g.alerts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return nil, false
	}
	if !auth.FromContext(r.Context()).CanAccess(alert.OrganizationID) {
		g.sendJSONError(w, http.StatusNotFound, "alert not found")
		return nil, false
	}
	return alert, true
}

// scopeOrganization resolves the organization a list request reads. Callers bound
// to an organization may only name their own; unbound admins must name one.
func (g *Gateway) scopeOrganization(w http.ResponseWriter, id *auth.Identity, requested string) (string, bool) {
	if requested == "" {
		requested = id.OrganizationID
	}
	if requested == "" {
		g.sendJSONError(w, http.StatusBadRequest, "organization is required")
		return "", false
	}
	if !id.CanAccess(requested) {
		g.sendJSONError(w, http.StatusForbidden, "organization not permitted")
		return "", false
	}
	return requested, true
}

// parseLimit parses the optional limit parameter (default 50, max 1000).
func (g *Gateway) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}

// decodeJSON decodes the request body into dst. With optional set an empty body is accepted.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
	return false
}

// writeServiceError maps a service error onto an HTTP status and JSON body.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *store.ValidationError
		lockedErr     *store.AlreadyLockedError
		transitionErr *store.TransitionError
		alertErr      *store.AlertTransitionError
	)

	switch {
	case errors.As(err, &validationErr):
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:  "validation failed",
			Field:  validationErr.Field,
			Detail: validationErr.Reason,
		})
	case errors.Is(err, store.ErrValidation):
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Detail: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.As(err, &lockedErr):
		g.sendJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "conversation locked",
			LockedBy: lockedErr.Holder,
			LockedAt: formatTime(lockedErr.LockedAt),
		})
	case errors.Is(err, store.ErrNotLocked):
		g.sendJSONError(w, http.StatusConflict, "conversation not locked")
	case errors.As(err, &transitionErr):
		g.sendJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "invalid transition",
			State:  string(transitionErr.From),
			Detail: transitionErr.Event,
		})
	case errors.As(err, &alertErr):
		g.sendJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "invalid alert transition",
			Status: string(alertErr.From),
		})
	case errors.Is(err, store.ErrVersionConflict):
		g.sendJSONError(w, http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, store.ErrConversationArchived):
		g.sendJSONError(w, http.StatusGone, "conversation archived")
	case errors.Is(err, store.ErrCollaboratorUnavailable):
		g.sendJSONError(w, http.StatusServiceUnavailable, "collaborator unavailable")
	default:
		g.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes v as a JSON response with status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, ErrorResponse{Error: message})
}
