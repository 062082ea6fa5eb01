// ABOUTME: Automated-responder collaborator contract consumed by the message router
// ABOUTME: A responder proposes the next reply or abstains; it never mutates conversation state

package responder

import (
	"context"

	"github.com/2389/handoff-gateway/internal/store"
)

// Request is the conversation context handed to a responder.
type Request struct {
	Conversation *store.Conversation
	Messages     []*store.Message // recent history, oldest first
}

// Reply is a responder's proposal. Abstain means no reply should be appended.
type Reply struct {
	Abstain    bool
	Reason     string
	Content    string
	Confidence float64
	Intent     string
	Sentiment  string
	Metadata   map[string]any
}

// Responder produces the next reply for a conversation. Implementations return an
// error wrapping store.ErrCollaboratorUnavailable for transient failures.
type Responder interface {
	Respond(ctx context.Context, req *Request) (*Reply, error)
}

// Func adapts a plain function to the Responder interface.
type Func func(ctx context.Context, req *Request) (*Reply, error)

func (f Func) Respond(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}

// Abstainer is used when no responder is configured: every turn goes to a human.
type Abstainer struct{}

func (Abstainer) Respond(ctx context.Context, req *Request) (*Reply, error) {
	return &Reply{Abstain: true, Reason: "no responder configured"}, nil
}
