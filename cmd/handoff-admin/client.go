// ABOUTME: Thin resty client over the handoff-gateway HTTP API
// ABOUTME: Decodes gateway JSON views and turns error bodies into readable errors

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/2389/handoff-gateway/internal/gateway"
)

// apiError is a non-2xx gateway response.
type apiError struct {
	status int
	body   gateway.ErrorResponse
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %s", e.status, e.body.Error)
	if e.body.Field != "" {
		fmt.Fprintf(&b, " (field %s)", e.body.Field)
	}
	if e.body.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.body.Detail)
	}
	if e.body.LockedBy != "" {
		fmt.Fprintf(&b, ", locked by %s", e.body.LockedBy)
	}
	if e.body.State != "" {
		fmt.Fprintf(&b, ", state %s", e.body.State)
	}
	if e.body.Status != "" {
		fmt.Fprintf(&b, ", status %s", e.body.Status)
	}
	return b.String()
}

type client struct {
	http *resty.Client
}

func newClient(baseURL, token string) *client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "handoff-admin")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &client{http: c}
}

// do sends body (if any) to path and decodes a 2xx response into out.
func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var errBody gateway.ErrorResponse
	req := c.http.R().SetContext(ctx).SetError(&errBody)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		if errBody.Error == "" {
			errBody.Error = strings.TrimSpace(resp.String())
		}
		return resp.StatusCode(), &apiError{status: resp.StatusCode(), body: errBody}
	}
	return resp.StatusCode(), nil
}

func (c *client) listConversations(ctx context.Context, org, state string, limit int) ([]gateway.ConversationResponse, error) {
	var out []gateway.ConversationResponse
	_, err := c.do(ctx, http.MethodGet, "/api/conversations"+query(map[string]string{
		"organization": org,
		"state":        state,
		"limit":        limitParam(limit),
	}), nil, &out)
	return out, err
}

func (c *client) getConversation(ctx context.Context, id string) (*gateway.ConversationDetailResponse, error) {
	var out gateway.ConversationDetailResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/conversations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) transcript(ctx context.Context, id string) (string, error) {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Accept", "text/html").
		SetQueryParam("render", "html").
		Get("/api/conversations/" + id)
	if err != nil {
		return "", fmt.Errorf("GET transcript: %w", err)
	}
	if resp.IsError() {
		return "", &apiError{status: resp.StatusCode(), body: gateway.ErrorResponse{Error: strings.TrimSpace(resp.String())}}
	}
	return resp.String(), nil
}

// conversationAction posts to /api/conversations/{id}/{action}.
func (c *client) conversationAction(ctx context.Context, id, action string, body any) (*gateway.ConversationResponse, error) {
	var out gateway.ConversationResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/conversations/"+id+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// send submits a message. duplicate is true when the gateway already saw externalID.
func (c *client) send(ctx context.Context, id string, req gateway.SubmitMessageRequest) (resp *gateway.SubmitMessageResponse, duplicate bool, err error) {
	var out gateway.SubmitMessageResponse
	status, err := c.do(ctx, http.MethodPost, "/api/conversations/"+id+"/messages", req, &out)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusAccepted {
		return nil, true, nil
	}
	return &out, false, nil
}

func (c *client) listAlerts(ctx context.Context, org, status, alertType string, limit int) ([]gateway.AlertResponse, error) {
	var out []gateway.AlertResponse
	_, err := c.do(ctx, http.MethodGet, "/api/alerts"+query(map[string]string{
		"organization": org,
		"status":       status,
		"type":         alertType,
		"limit":        limitParam(limit),
	}), nil, &out)
	return out, err
}

// alertAction posts to /api/alerts/{id}/{action}.
func (c *client) alertAction(ctx context.Context, id, action string, body any) (*gateway.AlertResponse, error) {
	var out gateway.AlertResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/alerts/"+id+"/"+action, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func query(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		if v != "" {
			values.Set(k, v)
		}
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func limitParam(limit int) string {
	if limit <= 0 {
		return ""
	}
	return strconv.Itoa(limit)
}
