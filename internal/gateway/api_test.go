// ABOUTME: Tests for the conversation, message, lock and alert HTTP handlers
// ABOUTME: Drives a real gateway through development-header auth and checks status mapping

package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/auth"
)

type caller struct {
	subject string
	org     string
	role    auth.Role
}

var (
	webchat    = caller{"webchat", "org-1", auth.RoleChannel}
	bot        = caller{"bot", "org-1", auth.RoleResponder}
	agentA     = caller{"agent-a", "org-1", auth.RoleAgent}
	agentB     = caller{"agent-b", "org-1", auth.RoleAgent}
	admin      = caller{"admin-1", "", auth.RoleAdmin}
	otherAgent = caller{"agent-x", "org-2", auth.RoleAgent}
)

// call sends a request as c and decodes the JSON response into out when non-nil.
func call(t *testing.T, srv *httptest.Server, c caller, method, path string, body, out any) int {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAgentID, c.subject)
	req.Header.Set(auth.HeaderRole, string(c.role))
	if c.org != "" {
		req.Header.Set(auth.HeaderOrganizationID, c.org)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out), "decoding %s %s", method, path)
	}
	return resp.StatusCode
}

// ensure creates a website conversation in org-1 and returns its id.
func ensure(t *testing.T, srv *httptest.Server, externalID string, tags ...string) string {
	t.Helper()
	var conv ConversationResponse
	status := call(t, srv, webchat, http.MethodPost, "/api/conversations", EnsureConversationRequest{
		Channel:    "website",
		ExternalID: externalID,
		Tags:       tags,
	}, &conv)
	require.Equal(t, http.StatusCreated, status)
	return conv.ID
}

func confidentResponder(t *testing.T) string {
	return fakeResponder(t, map[string]any{"content": "Your order ships tomorrow.", "confidence": 0.92}).URL
}

func TestEnsureConversation(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	req := EnsureConversationRequest{Channel: "whatsapp", ExternalID: "+15550100", LocationID: "store-7"}

	var first ConversationResponse
	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, "/api/conversations", req, &first))
	assert.Equal(t, "org-1", first.OrganizationID)
	assert.Equal(t, "new", first.State)
	assert.Equal(t, "store-7", first.LocationID)

	var second ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, webchat, http.MethodPost, "/api/conversations", req, &second))
	assert.Equal(t, first.ID, second.ID)
}

func TestEnsureConversation_Errors(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	var errResp ErrorResponse
	status := call(t, srv, webchat, http.MethodPost, "/api/conversations", EnsureConversationRequest{Channel: "fax", ExternalID: "1"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "channel", errResp.Field)

	status = call(t, srv, webchat, http.MethodPost, "/api/conversations", EnsureConversationRequest{
		OrganizationID: "org-2", Channel: "website", ExternalID: "1",
	}, &errResp)
	assert.Equal(t, http.StatusForbidden, status)

	status = call(t, srv, agentA, http.MethodPost, "/api/conversations", EnsureConversationRequest{Channel: "website", ExternalID: "1"}, nil)
	assert.Equal(t, http.StatusForbidden, status, "agents do not open conversations")
}

func TestEnsureConversation_InvalidJSON(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, srv.URL+"/api/conversations", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set(auth.HeaderAgentID, webchat.subject)
	req.Header.Set(auth.HeaderOrganizationID, webchat.org)
	req.Header.Set(auth.HeaderRole, string(webchat.role))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "invalid JSON body", errResp.Error)
}

func TestMissingIdentity(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	status, body := get(t, srv.URL+"/api/conversations")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, body, auth.HeaderAgentID)
}

func TestSubmitMessage_ResponderReplies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Responder.URL = confidentResponder(t)
	_, srv := newTestGateway(t, cfg)
	convID := ensure(t, srv, "session-1")

	var res SubmitMessageResponse
	status := call(t, srv, webchat, http.MethodPost, "/api/conversations/"+convID+"/messages", SubmitMessageRequest{
		Content:    "Where is my order?",
		ExternalID: "wa-1",
	}, &res)
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, "customer", res.Message.Sender)
	assert.Equal(t, int64(1), res.Message.Seq)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "ai", res.Reply.Sender)
	assert.Equal(t, int64(2), res.Reply.Seq)
	assert.Equal(t, "Your order ships tomorrow.", res.Reply.Content)
	assert.Nil(t, res.Alert)
	assert.Equal(t, "awaiting_user", res.Conversation.State)

	var detail ConversationDetailResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/conversations/"+convID, nil, &detail))
	assert.Len(t, detail.Messages, 2)
	assert.Empty(t, detail.OpenAlerts)
}

func TestSubmitMessage_DuplicateExternalID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Responder.URL = confidentResponder(t)
	_, srv := newTestGateway(t, cfg)
	convID := ensure(t, srv, "session-1")

	msg := SubmitMessageRequest{Content: "hello", ExternalID: "wa-42"}
	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, "/api/conversations/"+convID+"/messages", msg, nil))

	var dup map[string]any
	require.Equal(t, http.StatusAccepted, call(t, srv, webchat, http.MethodPost, "/api/conversations/"+convID+"/messages", msg, &dup))
	assert.Equal(t, true, dup["duplicate"])

	var detail ConversationDetailResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/conversations/"+convID, nil, &detail))
	assert.Len(t, detail.Messages, 2, "replay appended nothing")
}

func TestSubmitMessage_NoResponderEscalates(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")

	var res SubmitMessageResponse
	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, "/api/conversations/"+convID+"/messages",
		SubmitMessageRequest{Content: "Can I change my address?"}, &res))

	assert.Nil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, "low_confidence", res.Alert.Type)
	assert.Equal(t, "pending", res.Alert.Status)
	assert.Equal(t, "human_handoff", res.Conversation.State)
}

func TestSubmitMessage_SenderPermissions(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")
	path := "/api/conversations/" + convID + "/messages"

	assert.Equal(t, http.StatusForbidden, call(t, srv, webchat, http.MethodPost, path, SubmitMessageRequest{Sender: "ai", Content: "hi"}, nil))
	assert.Equal(t, http.StatusForbidden, call(t, srv, agentA, http.MethodPost, path, SubmitMessageRequest{Sender: "customer", Content: "hi"}, nil))

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, call(t, srv, webchat, http.MethodPost, path, SubmitMessageRequest{Content: ""}, &errResp))
	assert.Equal(t, "content", errResp.Field)

	var res SubmitMessageResponse
	require.Equal(t, http.StatusCreated, call(t, srv, agentA, http.MethodPost, path, SubmitMessageRequest{Content: "Hi, I'm Dana."}, &res))
	assert.Equal(t, "human", res.Message.Sender)
	assert.Equal(t, "agent-a", res.Message.AuthorID, "human author is the caller")
}

func TestSubmitMessage_ResponderPostsAI(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")
	path := "/api/conversations/" + convID + "/messages"

	confidence := 0.95
	var res SubmitMessageResponse
	require.Equal(t, http.StatusCreated, call(t, srv, bot, http.MethodPost, path, SubmitMessageRequest{
		Content:         "Happy to help!",
		ConfidenceScore: &confidence,
		Intent:          "greeting",
	}, &res))
	assert.Equal(t, "ai", res.Message.Sender)
	require.NotNil(t, res.Message.ConfidenceScore)
	assert.InDelta(t, 0.95, *res.Message.ConfidenceScore, 1e-9)

	// Locked conversations reject ai messages.
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, "/api/conversations/"+convID+"/lock", nil, nil))
	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, call(t, srv, bot, http.MethodPost, path, SubmitMessageRequest{Content: "still here", ConfidenceScore: &confidence}, &errResp))
	assert.Equal(t, "agent-a", errResp.LockedBy)
}

func TestLockUnlock(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")
	base := "/api/conversations/" + convID

	var conv ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, base+"/lock", nil, &conv))
	assert.Equal(t, "agent-a", conv.LockedBy)
	assert.NotEmpty(t, conv.LockedAt)
	assert.Equal(t, "human_handoff", conv.State)

	var errResp ErrorResponse
	require.Equal(t, http.StatusConflict, call(t, srv, agentB, http.MethodPost, base+"/lock", nil, &errResp))
	assert.Equal(t, "conversation locked", errResp.Error)
	assert.Equal(t, "agent-a", errResp.LockedBy)
	assert.NotEmpty(t, errResp.LockedAt)

	assert.Equal(t, http.StatusConflict, call(t, srv, agentB, http.MethodPost, base+"/unlock", nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, srv, agentB, http.MethodPost, base+"/unlock", UnlockRequest{Override: true}, nil))

	conv = ConversationResponse{}
	require.Equal(t, http.StatusOK, call(t, srv, admin, http.MethodPost, base+"/unlock", UnlockRequest{Override: true}, &conv))
	assert.Empty(t, conv.LockedBy)

	require.Equal(t, http.StatusConflict, call(t, srv, agentA, http.MethodPost, base+"/unlock", nil, &errResp))
	assert.Equal(t, "conversation not locked", errResp.Error)
}

func TestResolveArchive(t *testing.T) {
	cfg := testConfig(t)
	cfg.Responder.URL = confidentResponder(t)
	_, srv := newTestGateway(t, cfg)
	convID := ensure(t, srv, "session-1")
	base := "/api/conversations/" + convID

	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, base+"/messages", SubmitMessageRequest{Content: "thanks"}, nil))

	var conv ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, base+"/resolve", nil, &conv))
	assert.Equal(t, "resolved", conv.State)
	assert.NotEmpty(t, conv.ResolvedAt)

	assert.Equal(t, http.StatusForbidden, call(t, srv, agentA, http.MethodPost, base+"/archive", nil, nil))

	require.Equal(t, http.StatusOK, call(t, srv, admin, http.MethodPost, base+"/archive", nil, &conv))
	assert.Equal(t, "archived", conv.State)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusGone, call(t, srv, webchat, http.MethodPost, base+"/messages", SubmitMessageRequest{Content: "hello?"}, &errResp))
	assert.Equal(t, "conversation archived", errResp.Error)

	errResp = ErrorResponse{}
	assert.Equal(t, http.StatusConflict, call(t, srv, agentA, http.MethodPost, base+"/lock", nil, &errResp))
	assert.Equal(t, "invalid transition", errResp.Error)
	assert.Equal(t, "archived", errResp.State)
}

func TestResolve_InvalidTransition(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")

	var errResp ErrorResponse
	require.Equal(t, http.StatusConflict, call(t, srv, admin, http.MethodPost, "/api/conversations/"+convID+"/archive", nil, &errResp))
	assert.Equal(t, "invalid transition", errResp.Error)
	assert.Equal(t, "new", errResp.State)
}

func TestClassifyAndMarkRead(t *testing.T) {
	cfg := testConfig(t)
	cfg.Responder.URL = confidentResponder(t)
	_, srv := newTestGateway(t, cfg)
	convID := ensure(t, srv, "session-1")
	base := "/api/conversations/" + convID

	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, base+"/messages", SubmitMessageRequest{Content: "hi"}, nil))

	var conv ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, bot, http.MethodPost, base+"/classify", ClassifyRequest{Intent: "order_status", Tags: []string{"returning"}}, &conv))
	assert.Equal(t, "order_status", conv.Intent)
	assert.Contains(t, conv.Tags, "returning")
	assert.Equal(t, 1, conv.UnreadCount)

	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, base+"/read", nil, &conv))
	assert.Zero(t, conv.UnreadCount)

	assert.Equal(t, http.StatusForbidden, call(t, srv, webchat, http.MethodPost, base+"/classify", ClassifyRequest{Intent: "x"}, nil))
}

func TestCrossOrganizationAccess(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")

	assert.Equal(t, http.StatusNotFound, call(t, srv, otherAgent, http.MethodGet, "/api/conversations/"+convID, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, otherAgent, http.MethodPost, "/api/conversations/"+convID+"/lock", nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, srv, otherAgent, http.MethodGet, "/api/conversations?organization=org-1", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, srv, admin, http.MethodGet, "/api/conversations/"+convID, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, srv, agentA, http.MethodGet, "/api/conversations/does-not-exist", nil, nil))
}

func TestListConversations(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	first := ensure(t, srv, "session-1")
	ensure(t, srv, "session-2")

	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, "/api/conversations/"+first+"/lock", nil, nil))

	var all []ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/conversations", nil, &all))
	assert.Len(t, all, 2)

	var handoffs []ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/conversations?state=human_handoff", nil, &handoffs))
	require.Len(t, handoffs, 1)
	assert.Equal(t, first, handoffs[0].ID)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, agentA, http.MethodGet, "/api/conversations?state=bogus", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, agentA, http.MethodGet, "/api/conversations?limit=0", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, srv, admin, http.MethodGet, "/api/conversations", nil, nil), "admins must name an organization")

	var scoped []ConversationResponse
	require.Equal(t, http.StatusOK, call(t, srv, admin, http.MethodGet, "/api/conversations?organization=org-1&limit=1", nil, &scoped))
	assert.Len(t, scoped, 1)
}

func TestGetConversation_RenderHTML(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1")
	path := "/api/conversations/" + convID

	require.Equal(t, http.StatusCreated, call(t, srv, agentA, http.MethodPost, path+"/messages",
		SubmitMessageRequest{Content: "**Refund issued.** <script>alert(1)</script>"}, nil))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+path+"?render=html", nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderAgentID, agentA.subject)
	req.Header.Set(auth.HeaderOrganizationID, agentA.org)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "<strong>Refund issued.</strong>")
	assert.NotContains(t, string(body), "<script>")
	assert.Contains(t, string(body), "agent-a")
}

func TestAlertLifecycle(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))
	convID := ensure(t, srv, "session-1", "vip")

	var res SubmitMessageResponse
	require.Equal(t, http.StatusCreated, call(t, srv, webchat, http.MethodPost, "/api/conversations/"+convID+"/messages",
		SubmitMessageRequest{Content: "I want to speak to a human"}, &res))
	require.NotNil(t, res.Alert)
	assert.Equal(t, "vip_customer", res.Alert.Type, "vip outranks the explicit request")
	assert.Equal(t, "urgent", res.Alert.Priority)

	var open []AlertResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/alerts", nil, &open))
	require.Len(t, open, 1)
	alertID := open[0].ID

	var alert AlertResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", nil, &alert))
	assert.Equal(t, "acknowledged", alert.Status)
	assert.Equal(t, "agent-a", alert.AcknowledgedBy)

	var errResp ErrorResponse
	require.Equal(t, http.StatusConflict, call(t, srv, agentB, http.MethodPost, "/api/alerts/"+alertID+"/acknowledge", nil, &errResp))
	assert.Equal(t, "acknowledged", errResp.Status)

	assert.Equal(t, http.StatusNotFound, call(t, srv, otherAgent, http.MethodPost, "/api/alerts/"+alertID+"/resolve", nil, nil))

	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodPost, "/api/alerts/"+alertID+"/resolve", ResolveAlertRequest{Notes: "called back"}, &alert))
	assert.Equal(t, "resolved", alert.Status)
	assert.Equal(t, "called back", alert.ResolutionNotes)

	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/alerts", nil, &open))
	assert.Empty(t, open)

	var resolved []AlertResponse
	require.Equal(t, http.StatusOK, call(t, srv, agentA, http.MethodGet, "/api/alerts?status=resolved", nil, &resolved))
	assert.Len(t, resolved, 1)

	assert.Equal(t, http.StatusBadRequest, call(t, srv, agentA, http.MethodGet, "/api/alerts?status=closed", nil, nil))
}
