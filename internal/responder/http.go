// ABOUTME: HTTP responder client speaking a small JSON protocol via resty
// ABOUTME: 204 or {"abstain": true} means abstain; transport errors and 5xx are collaborator failures

package responder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/handoff-gateway/internal/store"
)

// wireMessage is one history entry in the request body.
type wireMessage struct {
	Seq        int64    `json:"seq"`
	Sender     string   `json:"sender"`
	Content    string   `json:"content"`
	Confidence *float64 `json:"confidence,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

type wireRequest struct {
	ConversationID string        `json:"conversation_id"`
	OrganizationID string        `json:"organization_id"`
	Channel        string        `json:"channel"`
	State          string        `json:"state"`
	Intent         string        `json:"intent,omitempty"`
	Sentiment      string        `json:"sentiment,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Messages       []wireMessage `json:"messages"`
}

type wireReply struct {
	Abstain    bool           `json:"abstain"`
	Reason     string         `json:"reason,omitempty"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence"`
	Intent     string         `json:"intent,omitempty"`
	Sentiment  string         `json:"sentiment,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HTTPClient calls a remote responder endpoint.
type HTTPClient struct {
	client *resty.Client
	url    string
	logger *slog.Logger
}

// NewHTTPClient creates a responder client for url. apiKey, if set, is sent as a bearer token.
func NewHTTPClient(url, apiKey string, timeout time.Duration, logger *slog.Logger) (*HTTPClient, error) {
	if url == "" {
		return nil, fmt.Errorf("responder url cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "handoff-gateway")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &HTTPClient{
		client: client,
		url:    url,
		logger: logger.With("component", "responder"),
	}, nil
}

// Respond posts the conversation context and decodes the proposal.
func (c *HTTPClient) Respond(ctx context.Context, req *Request) (*Reply, error) {
	body := toWire(req)

	var reply wireReply
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&reply).
		Post(c.url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", store.ErrCollaboratorUnavailable, err)
	}

	if resp.StatusCode() == http.StatusNoContent {
		return &Reply{Abstain: true, Reason: "responder declined"}, nil
	}
	if resp.IsError() {
		c.logger.Warn("responder returned error",
			"conversation_id", body.ConversationID,
			"status", resp.StatusCode())
		return nil, fmt.Errorf("%w: status %s", store.ErrCollaboratorUnavailable, resp.Status())
	}

	if !reply.Abstain && reply.Content == "" {
		return &Reply{Abstain: true, Reason: "empty reply"}, nil
	}
	if reply.Confidence < 0 || reply.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", store.ErrCollaboratorUnavailable, reply.Confidence)
	}

	return &Reply{
		Abstain:    reply.Abstain,
		Reason:     reply.Reason,
		Content:    reply.Content,
		Confidence: reply.Confidence,
		Intent:     reply.Intent,
		Sentiment:  reply.Sentiment,
		Metadata:   reply.Metadata,
	}, nil
}

func toWire(req *Request) wireRequest {
	conv := req.Conversation
	out := wireRequest{
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		Channel:        string(conv.Channel),
		State:          string(conv.State),
		Intent:         conv.Intent,
		Sentiment:      conv.Sentiment,
		Tags:           conv.Tags,
		Messages:       make([]wireMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, wireMessage{
			Seq:        m.Seq,
			Sender:     string(m.Sender),
			Content:    m.Content,
			Confidence: m.ConfidenceScore,
			CreatedAt:  m.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

var _ Responder = (*HTTPClient)(nil)
