// ABOUTME: Tests for the message router against the in-memory store
// ABOUTME: Covers ordering, idempotent ingestion, responder turns, stale suppression and escalation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/delivery"
	"github.com/2389/handoff-gateway/internal/escalation"
	"github.com/2389/handoff-gateway/internal/guard"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/responder"
	"github.com/2389/handoff-gateway/internal/store"
)

type recordingDeliverer struct {
	mu  sync.Mutex
	out []*delivery.Outbound
}

func (d *recordingDeliverer) Deliver(out *delivery.Outbound) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.out = append(d.out, out)
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.out)
}

type testEnv struct {
	svc       *Service
	store     *store.MockStore
	guard     guard.Guard
	metrics   *metrics.Metrics
	delivered *recordingDeliverer
	conv      *store.Conversation
}

func newTestEnv(t *testing.T, resp responder.Responder, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithGuard(t, resp, opts, guard.NewLocal())
}

func newTestEnvWithGuard(t *testing.T, resp responder.Responder, opts Options, g guard.Guard) *testEnv {
	t.Helper()

	s := store.NewMockStore()
	m := metrics.New(nil)
	cache := dedupe.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	engine := escalation.New(s, g, escalation.DefaultRules(), m, nil)
	b := NewBroadcaster(nil)
	engine.SetPublisher(b)
	t.Cleanup(b.Close)

	d := &recordingDeliverer{}
	svc := New(Deps{
		Store:       s,
		Guard:       g,
		Responder:   resp,
		Escalator:   engine,
		Delivery:    d,
		Dedupe:      cache,
		Broadcaster: b,
		Metrics:     m,
	}, opts)

	conv, created, err := svc.Ensure(t.Context(), EnsureRequest{
		OrganizationID: "org-1",
		Channel:        store.ChannelWhatsApp,
		ExternalID:     "+15550100",
	})
	require.NoError(t, err)
	require.True(t, created)

	return &testEnv{svc: svc, store: s, guard: g, metrics: m, delivered: d, conv: conv}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ResponderTimeout = 2 * time.Second
	opts.RetryBackoff = time.Millisecond
	return opts
}

func replyWith(content string, confidence float64) responder.Responder {
	return responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		return &responder.Reply{Content: content, Confidence: confidence}, nil
	})
}

func (e *testEnv) customer(t *testing.T, content string) *SubmitResult {
	t.Helper()
	res, err := e.svc.Submit(t.Context(), SubmitRequest{
		ConversationID: e.conv.ID,
		Sender:         store.SenderCustomer,
		Content:        content,
	})
	require.NoError(t, err)
	return res
}

// slowReleaseGuard holds the caller back after one armed release, once the guard is already free.
type slowReleaseGuard struct {
	guard.Guard
	armed atomic.Bool
	delay time.Duration
}

func (g *slowReleaseGuard) Lock(ctx context.Context, key string) (func(), error) {
	unlock, err := g.Guard.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	return func() {
		unlock()
		if g.armed.CompareAndSwap(true, false) {
			time.Sleep(g.delay)
		}
	}, nil
}

func (e *testEnv) reload(t *testing.T) *store.Conversation {
	t.Helper()
	conv, err := e.store.GetConversation(t.Context(), e.conv.ID)
	require.NoError(t, err)
	return conv
}

func (e *testEnv) messages(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := e.store.GetMessages(t.Context(), e.conv.ID, 0)
	require.NoError(t, err)
	return msgs
}

func TestEnsure_FindOrCreate(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())

	again, created, err := env.svc.Ensure(t.Context(), EnsureRequest{
		OrganizationID: "org-1",
		Channel:        store.ChannelWhatsApp,
		ExternalID:     "+15550100",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, env.conv.ID, again.ID)
	assert.Equal(t, store.StateNew, again.State)

	_, _, err = env.svc.Ensure(t.Context(), EnsureRequest{OrganizationID: "org-1", Channel: "fax"})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSubmit_ConfidentReply(t *testing.T) {
	env := newTestEnv(t, replyWith("We open at 9am.", 0.92), testOptions())

	res := env.customer(t, "When do you open?")

	assert.Equal(t, int64(1), res.Message.Seq)
	require.NotNil(t, res.Reply)
	assert.Equal(t, int64(2), res.Reply.Seq)
	assert.Equal(t, store.SenderAI, res.Reply.Sender)
	require.NotNil(t, res.Reply.ConfidenceScore)
	assert.InDelta(t, 0.92, *res.Reply.ConfidenceScore, 0.0001)
	assert.Nil(t, res.Alert)

	conv := env.reload(t)
	assert.Equal(t, store.StateAwaitingUser, conv.State)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, int64(2), conv.LastSeq)
	assert.Equal(t, int64(1), conv.LastCustomerSeq)
	assert.Equal(t, 1, env.delivered.count(), "ai reply is handed to delivery")
}

func TestSubmit_AbstainEscalates(t *testing.T) {
	env := newTestEnv(t, responder.Abstainer{}, testOptions())

	res := env.customer(t, "Can you check my order?")

	assert.Nil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertLowConfidence, res.Alert.Type)
	assert.Equal(t, store.PriorityMedium, res.Alert.Priority)
	assert.Equal(t, res.Message.ID, res.Alert.TriggerMessageID)
	assert.Contains(t, res.Alert.Reason, "no responder configured")

	assert.Equal(t, store.StateHumanHandoff, env.reload(t).State)
	assert.Len(t, env.messages(t), 1)
	assert.Zero(t, env.delivered.count())
}

func TestSubmit_LowConfidenceSuppressed(t *testing.T) {
	env := newTestEnv(t, replyWith("maybe?", 0.3), testOptions())

	res := env.customer(t, "Do you ship to Mars?")

	assert.Nil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertLowConfidence, res.Alert.Type)
	assert.Contains(t, res.Alert.Reason, "below floor")
	assert.Len(t, env.messages(t), 1)
}

func TestSubmit_LowConfidenceAppendedWhenConfigured(t *testing.T) {
	opts := testOptions()
	opts.AppendLowConfidence = true
	env := newTestEnv(t, replyWith("maybe?", 0.3), opts)

	res := env.customer(t, "Do you ship to Mars?")

	require.NotNil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, res.Reply.ID, res.Alert.TriggerMessageID)
	assert.Equal(t, store.StateHumanHandoff, env.reload(t).State)
}

func TestSubmit_ExplicitRequestAfterReply(t *testing.T) {
	env := newTestEnv(t, replyWith("Connecting you now.", 0.95), testOptions())

	res := env.customer(t, "I want to talk to a human please")

	require.NotNil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertExplicitRequest, res.Alert.Type)
	assert.Equal(t, store.PriorityHigh, res.Alert.Priority)
	assert.Equal(t, store.StateHumanHandoff, res.Conversation.State)
}

func TestSubmit_ResponderRetriesThenReplies(t *testing.T) {
	var calls atomic.Int32
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		if calls.Add(1) <= 2 {
			return nil, fmt.Errorf("%w: status 503", store.ErrCollaboratorUnavailable)
		}
		return &responder.Reply{Content: "Got it.", Confidence: 0.9}, nil
	})
	env := newTestEnv(t, resp, testOptions())

	res := env.customer(t, "hello")

	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, res.Reply)
	assert.Nil(t, res.Alert)
}

func TestSubmit_ResponderUnavailableEscalates(t *testing.T) {
	var calls atomic.Int32
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		calls.Add(1)
		return nil, fmt.Errorf("%w: connection refused", store.ErrCollaboratorUnavailable)
	})
	env := newTestEnv(t, resp, testOptions())

	res := env.customer(t, "hello")

	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertLowConfidence, res.Alert.Type)
	assert.Equal(t, "responder unavailable", res.Alert.Reason)
	assert.Equal(t, 1, testutil.CollectAndCount(env.metrics.ResponderDuration))
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	high := 1.5
	ok := 0.9

	tests := []struct {
		name  string
		req   SubmitRequest
		field string
	}{
		{"empty content", SubmitRequest{Sender: store.SenderCustomer, Content: "   "}, "content"},
		{"bad sender", SubmitRequest{Sender: "bot", Content: "hi"}, "sender"},
		{"human without author", SubmitRequest{Sender: store.SenderHuman, Content: "hi"}, "author_id"},
		{"confidence out of range", SubmitRequest{Sender: store.SenderAI, Content: "hi", Confidence: &high}, "confidence_score"},
		{"confidence on customer", SubmitRequest{Sender: store.SenderCustomer, Content: "hi", Confidence: &ok}, "confidence_score"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.ConversationID = env.conv.ID
			_, err := env.svc.Submit(t.Context(), tt.req)
			require.ErrorIs(t, err, store.ErrValidation)

			var verr *store.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, env.messages(t))
}

func TestSubmit_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	_, err := env.svc.Submit(t.Context(), SubmitRequest{ConversationID: "missing", Sender: store.SenderCustomer, Content: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubmit_DuplicateExternalID(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 0.9), testOptions())
	req := SubmitRequest{
		ConversationID: env.conv.ID,
		Sender:         store.SenderCustomer,
		Content:        "hello",
		ExternalID:     "wamid.1",
	}

	_, err := env.svc.Submit(t.Context(), req)
	require.NoError(t, err)

	_, err = env.svc.Submit(t.Context(), req)
	assert.ErrorIs(t, err, store.ErrDuplicateMessage)

	customers := 0
	for _, m := range env.messages(t) {
		if m.Sender == store.SenderCustomer {
			customers++
		}
	}
	assert.Equal(t, 1, customers)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DuplicateMessages))
}

func TestSubmit_FailedCommitReleasesDedupeClaim(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	boom := errors.New("disk full")
	var failed atomic.Bool
	env.store.CommitHook = func(*store.Conversation) error {
		if failed.CompareAndSwap(false, true) {
			return boom
		}
		return nil
	}

	req := SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderCustomer, Content: "hello", ExternalID: "wamid.2"}
	_, err := env.svc.Submit(t.Context(), req)
	require.ErrorIs(t, err, boom)

	res, err := env.svc.Submit(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Message.Seq)
}

func TestSubmit_StaleReplyDiscardedAfterLock(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		started <- struct{}{}
		<-release
		return &responder.Reply{Content: "late answer", Confidence: 0.99}, nil
	})
	env := newTestEnv(t, resp, testOptions())
	ctx := t.Context()

	done := make(chan *SubmitResult, 1)
	go func() {
		res, err := env.svc.Submit(ctx, SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderCustomer, Content: "hi"})
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	// An agent takes the conversation while the responder is still working
	unlock, err := env.guard.Lock(ctx, env.conv.ID)
	require.NoError(t, err)
	conv := env.reload(t)
	now := time.Now()
	conv.LockedBy = "agent-1"
	conv.LockedAt = &now
	conv.State = store.StateHumanHandoff
	require.NoError(t, env.store.CommitConversation(ctx, conv))
	unlock()

	close(release)
	res := <-done

	assert.Nil(t, res.Reply)
	assert.Nil(t, res.Alert)
	assert.Len(t, env.messages(t), 1)
	assert.Equal(t, "agent-1", env.reload(t).LockedBy)
	assert.Equal(t, store.StateHumanHandoff, env.reload(t).State)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StaleResponses.WithLabelValues("locked")))
	assert.Zero(t, env.delivered.count())
}

func TestSubmit_NewerCustomerMessageSupersedesTurn(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{}, 1)
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &responder.Reply{Content: "answer to both", Confidence: 0.9}, nil
	})
	env := newTestEnv(t, resp, testOptions())

	first := make(chan *SubmitResult, 1)
	go func() {
		res, err := env.svc.Submit(t.Context(), SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderCustomer, Content: "one"})
		assert.NoError(t, err)
		first <- res
	}()
	<-started

	second := env.customer(t, "two")
	require.NotNil(t, second.Reply)

	firstRes := <-first
	assert.Nil(t, firstRes.Reply)

	msgs := env.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "answer to both", msgs[2].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StaleResponses.WithLabelValues("superseded")))
}

func TestSubmit_DelayedOlderSubmitterDoesNotCancelNewerTurn(t *testing.T) {
	g := &slowReleaseGuard{Guard: guard.NewLocal(), delay: 200 * time.Millisecond}
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		last := req.Messages[len(req.Messages)-1]
		if last.Content != "two" {
			return &responder.Reply{Content: "answer to one", Confidence: 0.9}, nil
		}
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &responder.Reply{Content: "answer to two", Confidence: 0.9}, nil
	})
	env := newTestEnvWithGuard(t, resp, testOptions(), g)

	// The submitter of "one" stalls right after its message is committed
	g.armed.Store(true)
	first := make(chan *SubmitResult, 1)
	go func() {
		res, err := env.svc.Submit(t.Context(), SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderCustomer, Content: "one"})
		assert.NoError(t, err)
		first <- res
	}()
	time.Sleep(50 * time.Millisecond)

	second := env.customer(t, "two")
	require.NotNil(t, second.Reply)
	assert.Equal(t, "answer to two", second.Reply.Content)
	assert.Nil(t, second.Alert)

	firstRes := <-first
	assert.Nil(t, firstRes.Reply)
	assert.Nil(t, firstRes.Alert)

	msgs := env.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, "answer to two", msgs[2].Content)

	assert.Equal(t, store.StateAwaitingUser, env.reload(t).State)
	alerts, err := env.store.ListAlerts(t.Context(), store.AlertFilter{ConversationID: env.conv.ID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.StaleResponses.WithLabelValues("superseded")))
}

func TestRegisterInflight_OlderTurnNeverReplacesNewer(t *testing.T) {
	env := newTestEnv(t, replyWith("hi", 0.9), testOptions())
	newTurn := func(seq int64) *turn {
		ctx, cancel := context.WithCancel(t.Context())
		return &turn{seq: seq, ctx: ctx, cancel: cancel}
	}

	older, newer := newTurn(1), newTurn(2)
	env.svc.registerInflight(env.conv.ID, newer)
	env.svc.registerInflight(env.conv.ID, older)

	assert.Error(t, older.ctx.Err(), "late older turn is cancelled on arrival")
	assert.NoError(t, newer.ctx.Err())

	env.svc.clearInflight(env.conv.ID, older.seq)
	assert.True(t, env.svc.CancelInflight(env.conv.ID), "newer turn is still registered")
	assert.Error(t, newer.ctx.Err())
}

func TestSubmit_EmptyReplyIsAbstention(t *testing.T) {
	env := newTestEnv(t, replyWith("   ", 0.9), testOptions())

	res := env.customer(t, "hello")

	assert.Nil(t, res.Reply)
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertLowConfidence, res.Alert.Type)
	assert.Equal(t, "responder abstained: empty reply", res.Alert.Reason)
	assert.Len(t, env.messages(t), 1)
	assert.Equal(t, store.StateHumanHandoff, env.reload(t).State)
	assert.Zero(t, env.delivered.count())
}

func TestSubmit_OutOfRangeConfidenceIsCollaboratorFailure(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
	}{
		{"above one", 1.7},
		{"negative", -0.1},
		{"not a number", math.NaN()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
				calls.Add(1)
				return &responder.Reply{Content: "hi", Confidence: tt.confidence}, nil
			})
			env := newTestEnv(t, resp, testOptions())

			res := env.customer(t, "hello")

			assert.Nil(t, res.Reply)
			require.NotNil(t, res.Alert)
			assert.Equal(t, "responder unavailable", res.Alert.Reason)
			assert.Equal(t, int32(1), calls.Load(), "a malformed reply is not retried")
			assert.Len(t, env.messages(t), 1)
		})
	}
}

func TestSubmit_ConcurrentMessagesGetContiguousSeqs(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 0.9), testOptions())

	const n = 10
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Submit(t.Context(), SubmitRequest{
				ConversationID: env.conv.ID,
				Sender:         store.SenderCustomer,
				Content:        fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs := env.messages(t)
	customers := 0
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
		if m.Sender == store.SenderCustomer {
			customers++
		}
	}
	assert.Equal(t, n, customers)
	assert.Equal(t, int64(len(msgs)), env.reload(t).LastSeq)
}

func TestSubmit_AIMessageOnLockedConversation(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	conv := env.reload(t)
	now := time.Now()
	conv.LockedBy = "agent-1"
	conv.LockedAt = &now
	conv.State = store.StateHumanHandoff
	require.NoError(t, env.store.CommitConversation(t.Context(), conv))

	_, err := env.svc.Submit(t.Context(), SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderAI, Content: "hi"})
	require.ErrorIs(t, err, store.ErrAlreadyLocked)

	var locked *store.AlreadyLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "agent-1", locked.Holder)

	res, err := env.svc.Submit(t.Context(), SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderHuman, AuthorID: "agent-1", Content: "Hi, I'm Sam."})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", res.Conversation.AssignedTo)
	assert.Equal(t, 1, env.delivered.count())
}

func TestSubmit_CustomerMessageOnLockedConversationSkipsResponder(t *testing.T) {
	var calls atomic.Int32
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		calls.Add(1)
		return &responder.Reply{Content: "ok", Confidence: 0.9}, nil
	})
	env := newTestEnv(t, resp, testOptions())
	conv := env.reload(t)
	now := time.Now()
	conv.LockedBy = "agent-1"
	conv.LockedAt = &now
	conv.State = store.StateHumanHandoff
	require.NoError(t, env.store.CommitConversation(t.Context(), conv))

	res := env.customer(t, "are you there?")

	assert.Nil(t, res.Reply)
	assert.Zero(t, calls.Load())
	assert.Equal(t, store.StateHumanHandoff, res.Conversation.State)
	assert.Equal(t, 1, res.Conversation.UnreadCount)
}

func TestSubmit_AILowConfidenceMessageEscalates(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())
	low := 0.2

	res, err := env.svc.Submit(t.Context(), SubmitRequest{
		ConversationID: env.conv.ID,
		Sender:         store.SenderAI,
		Content:        "I think so?",
		Confidence:     &low,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, store.AlertLowConfidence, res.Alert.Type)
	assert.Equal(t, res.Message.ID, res.Alert.TriggerMessageID)
}

func TestResolveAndArchive(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 0.9), testOptions())
	env.customer(t, "hello")

	_, err := env.svc.Archive(t.Context(), env.conv.ID)
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	resolved, err := env.svc.Resolve(t.Context(), env.conv.ID, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateResolved, resolved.State)
	require.NotNil(t, resolved.ResolvedAt)

	_, err = env.svc.Resolve(t.Context(), env.conv.ID, "agent-1")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	archived, err := env.svc.Archive(t.Context(), env.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateArchived, archived.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Archived))

	_, err = env.svc.Submit(t.Context(), SubmitRequest{ConversationID: env.conv.ID, Sender: store.SenderCustomer, Content: "hi again"})
	assert.ErrorIs(t, err, store.ErrConversationArchived)

	_, err = env.svc.Classify(t.Context(), ClassifyRequest{ConversationID: env.conv.ID, Intent: "billing"})
	assert.ErrorIs(t, err, store.ErrConversationArchived)
}

func TestSubmit_CustomerMessageOnResolvedConversation(t *testing.T) {
	var calls atomic.Int32
	resp := responder.Func(func(ctx context.Context, req *responder.Request) (*responder.Reply, error) {
		calls.Add(1)
		return &responder.Reply{Content: "ok", Confidence: 0.9}, nil
	})
	env := newTestEnv(t, resp, testOptions())
	env.customer(t, "hello")
	_, err := env.svc.Resolve(t.Context(), env.conv.ID, "agent-1")
	require.NoError(t, err)

	res := env.customer(t, "thanks!")

	assert.Equal(t, int32(1), calls.Load())
	assert.Nil(t, res.Reply)
	assert.Nil(t, res.Alert)
	assert.Equal(t, store.StateResolved, env.reload(t).State)
}

func TestClassify(t *testing.T) {
	env := newTestEnv(t, nil, testOptions())

	conv, err := env.svc.Classify(t.Context(), ClassifyRequest{
		ConversationID: env.conv.ID,
		Intent:         "refund",
		Sentiment:      "neutral",
		Tags:           []string{"vip"},
	})
	require.NoError(t, err)
	assert.Equal(t, "refund", conv.Intent)
	assert.Equal(t, "neutral", conv.Sentiment)
	assert.True(t, conv.HasTag("vip"))
	assert.Equal(t, store.StateNew, conv.State, "classification never changes state")
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 0.9), testOptions())
	env.customer(t, "one")

	conv, err := env.svc.MarkRead(t.Context(), env.conv.ID)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCount)

	for _, m := range env.messages(t) {
		if m.Sender == store.SenderCustomer {
			assert.True(t, m.IsRead)
			assert.NotNil(t, m.ReadAt)
		}
	}
}

func TestSubmit_PublishesEvents(t *testing.T) {
	env := newTestEnv(t, replyWith("ok", 0.9), testOptions())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	events, _ := env.svc.Broadcaster().Subscribe(ctx, OrgKey("org-1"))
	env.customer(t, "hello")

	var got []*Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}
	assert.Equal(t, EventMessage, got[0].Type)
	assert.Equal(t, store.SenderCustomer, got[0].Message.Sender)
	assert.Equal(t, EventMessage, got[1].Type)
	assert.Equal(t, store.SenderAI, got[1].Message.Sender)
}
