// ABOUTME: Message Router: appends messages, drives the state machine and runs responder turns
// ABOUTME: Record first, then act: every message is committed before the responder or escalation sees it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/delivery"
	"github.com/2389/handoff-gateway/internal/escalation"
	"github.com/2389/handoff-gateway/internal/guard"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/responder"
	"github.com/2389/handoff-gateway/internal/store"
)

// Escalator opens alerts for a turn. The caller holds the conversation guard.
type Escalator interface {
	Evaluate(ctx context.Context, in escalation.Input) (*store.HandoffAlert, error)
}

// Deliverer hands appended ai/human messages to channel adapters.
type Deliverer interface {
	Deliver(out *delivery.Outbound)
}

// Options tunes responder turns.
type Options struct {
	ConfidenceFloor     float64       // replies below this count as abstentions
	AppendLowConfidence bool          // append below-floor replies instead of suppressing them
	ResponderTimeout    time.Duration // per attempt
	ResponderRetries    int           // extra attempts after a collaborator failure
	RetryBackoff        time.Duration
	HistoryLimit        int // messages sent to the responder
}

// DefaultOptions returns the options used when configuration is silent.
func DefaultOptions() Options {
	return Options{
		ConfidenceFloor:  0.6,
		ResponderTimeout: 20 * time.Second,
		ResponderRetries: 2,
		RetryBackoff:     500 * time.Millisecond,
		HistoryLimit:     50,
	}
}

// Deps are the collaborators of the router. Responder, Escalator, Delivery,
// Dedupe, Broadcaster, Metrics and Logger are optional.
type Deps struct {
	Store       store.Store
	Guard       guard.Guard
	Responder   responder.Responder
	Escalator   Escalator
	Delivery    Deliverer
	Dedupe      *dedupe.Cache
	Broadcaster *Broadcaster
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// turn is an in-flight responder call for the customer message at seq.
type turn struct {
	seq    int64
	ctx    context.Context
	cancel context.CancelFunc
}

// Service is the message router and owner of conversation writes other than locking.
type Service struct {
	store       store.Store
	guard       guard.Guard
	responder   responder.Responder
	escalator   Escalator
	delivery    Deliverer
	dedupe      *dedupe.Cache
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      *slog.Logger
	opts        Options
	now         func() time.Time

	inflightMu sync.Mutex
	inflight   map[string]*turn // conversation id -> current responder call
}

// New creates a router.
func New(deps Deps, opts Options) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	resp := deps.Responder
	if resp == nil {
		resp = responder.Abstainer{}
	}
	b := deps.Broadcaster
	if b == nil {
		b = NewBroadcaster(logger)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}
	if opts.ResponderTimeout <= 0 {
		opts.ResponderTimeout = DefaultOptions().ResponderTimeout
	}

	return &Service{
		store:       deps.Store,
		guard:       deps.Guard,
		responder:   resp,
		escalator:   deps.Escalator,
		delivery:    deps.Delivery,
		dedupe:      deps.Dedupe,
		broadcaster: b,
		metrics:     m,
		logger:      logger.With("component", "router"),
		opts:        opts,
		now:         time.Now,
		inflight:    make(map[string]*turn),
	}
}

// Broadcaster returns the change broadcaster used by this router.
func (s *Service) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// EnsureRequest identifies a conversation by its channel-side thread.
type EnsureRequest struct {
	OrganizationID string
	LocationID     string
	Channel        store.Channel
	ExternalID     string
	Tags           []string
}

// Ensure returns the conversation for (organization, channel, external id),
// creating it in state new when absent. created reports which happened.
func (s *Service) Ensure(ctx context.Context, req EnsureRequest) (conv *store.Conversation, created bool, err error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return nil, false, &store.ValidationError{Field: "organization_id", Reason: "is required"}
	}
	if !req.Channel.Valid() {
		return nil, false, &store.ValidationError{Field: "channel", Reason: "must be one of website, whatsapp, instagram"}
	}

	if req.ExternalID != "" {
		conv, err := s.store.GetConversationByExternalID(ctx, req.OrganizationID, req.Channel, req.ExternalID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	now := s.now()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		OrganizationID: req.OrganizationID,
		LocationID:     req.LocationID,
		Channel:        req.Channel,
		ExternalID:     req.ExternalID,
		State:          store.StateNew,
		Tags:           req.Tags,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another adapter delivery may have created it between lookup and insert
		if errors.Is(err, store.ErrDuplicate) && req.ExternalID != "" {
			existing, lookupErr := s.store.GetConversationByExternalID(ctx, req.OrganizationID, req.Channel, req.ExternalID)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"organization_id", conv.OrganizationID,
		"channel", conv.Channel)
	s.notifyConversation("created", conv)
	return conv, true, nil
}

// Get returns the committed conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// Messages returns the newest limit messages, oldest first. limit <= 0 returns all.
func (s *Service) Messages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.GetMessages(ctx, conversationID, limit)
}

// List returns conversations matching filter.
func (s *Service) List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, filter)
}

// SubmitRequest is one inbound message.
type SubmitRequest struct {
	ConversationID string
	Sender         store.Sender
	AuthorID       string // required for human messages
	Content        string
	ExternalID     string // adapter message id, enables idempotent retries

	// Optional signals. Confidence is only valid for ai messages.
	Confidence *float64
	Intent     string
	Sentiment  string
	AIMetadata map[string]any
}

// SubmitResult is what one submission committed.
type SubmitResult struct {
	Message      *store.Message
	Reply        *store.Message      // responder reply appended by this turn
	Alert        *store.HandoffAlert // alert opened by this turn
	Conversation *store.Conversation // snapshot after the last commit of the turn
}

func (req *SubmitRequest) validate() error {
	if strings.TrimSpace(req.Content) == "" {
		return &store.ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !req.Sender.Valid() {
		return &store.ValidationError{Field: "sender", Reason: "must be one of customer, ai, human, system"}
	}
	if req.Sender == store.SenderHuman && req.AuthorID == "" {
		return &store.ValidationError{Field: "author_id", Reason: "is required for human messages"}
	}
	if req.Confidence != nil {
		if req.Sender != store.SenderAI {
			return &store.ValidationError{Field: "confidence_score", Reason: "is only allowed on ai messages"}
		}
		if c := *req.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
			return &store.ValidationError{Field: "confidence_score", Reason: "must be within [0, 1]"}
		}
	}
	return nil
}

// Submit appends a message and, for customer messages on unlocked conversations,
// runs a responder turn before returning.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var dedupeKey string
	if req.ExternalID != "" && s.dedupe != nil {
		dedupeKey = dedupe.Key(req.ConversationID, req.ExternalID)
		if !s.dedupe.Claim(dedupeKey) {
			s.metrics.DuplicateMessages.Inc()
			s.logger.Debug("duplicate inbound message",
				"conversation_id", req.ConversationID,
				"external_id", req.ExternalID)
			return nil, store.ErrDuplicateMessage
		}
	}

	result, t, err := s.append(ctx, &req)
	if err != nil {
		if dedupeKey != "" {
			s.dedupe.Forget(dedupeKey)
		}
		return nil, err
	}

	if t != nil {
		reply, alert, conv := s.runTurn(ctx, t, result.Message, &req)
		result.Reply = reply
		if alert != nil {
			result.Alert = alert
		}
		if conv != nil {
			result.Conversation = conv
		}
	}
	return result, nil
}

// append commits the message under the guard. A non-nil turn means a responder call
// should follow; it is registered before the guard is released so turns supersede
// each other in seq order.
func (s *Service) append(ctx context.Context, req *SubmitRequest) (*SubmitResult, *turn, error) {
	unlock, err := s.guard.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv.State == store.StateArchived {
		return nil, nil, store.ErrConversationArchived
	}

	from := conv.State
	now := s.now()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Seq:            conv.LastSeq + 1,
		Sender:         req.Sender,
		AuthorID:       req.AuthorID,
		Content:        req.Content,
		ExternalID:     req.ExternalID,
		Intent:         req.Intent,
		AIMetadata:     req.AIMetadata,
		CreatedAt:      now,
	}
	conv.LastSeq = msg.Seq
	conv.UpdatedAt = now

	invoke := false
	lowConfidence := false

	switch req.Sender {
	case store.SenderCustomer:
		conv.UnreadCount++
		conv.LastCustomerSeq = msg.Seq
		if req.Sentiment != "" {
			conv.Sentiment = req.Sentiment
		}
		if !conv.Locked() && !conv.State.Terminal() {
			if err := Apply(conv, TriggerCustomerMessage); err != nil {
				return nil, nil, err
			}
			invoke = true
		}

	case store.SenderAI:
		if conv.Locked() {
			return nil, nil, &store.AlreadyLockedError{ConversationID: conv.ID, Holder: conv.LockedBy, LockedAt: derefTime(conv.LockedAt)}
		}
		if conv.State.Terminal() {
			return nil, nil, &store.TransitionError{ConversationID: conv.ID, From: conv.State, Event: string(TriggerReplySent)}
		}
		if conv.State == store.StateAIHandling {
			if err := Apply(conv, TriggerReplySent); err != nil {
				return nil, nil, err
			}
		}
		msg.ConfidenceScore = req.Confidence
		if req.Intent != "" {
			conv.Intent = req.Intent
		}
		lowConfidence = req.Confidence != nil && *req.Confidence < s.opts.ConfidenceFloor

	case store.SenderHuman:
		conv.AssignedTo = req.AuthorID

	case store.SenderSystem:
	}

	if err := s.commit(ctx, from, conv, msg); err != nil {
		return nil, nil, err
	}
	s.notifyMessage(conv, msg)

	var t *turn
	if invoke {
		// The turn outlives a disconnected client; only a lock or a newer message cancels it
		turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		t = &turn{seq: msg.Seq, ctx: turnCtx, cancel: cancel}
		s.registerInflight(conv.ID, t)
	}

	result := &SubmitResult{Message: msg, Conversation: conv.Clone()}

	// Turns without a responder call still carry escalation signals
	if !invoke && conv.State != store.StateResolved && (req.Sender == store.SenderCustomer || lowConfidence) {
		in := escalation.Input{
			Conversation:  conv,
			Trigger:       msg,
			Sentiment:     req.Sentiment,
			Intent:        req.Intent,
			LowConfidence: lowConfidence,
		}
		if req.Sender == store.SenderCustomer {
			in.CustomerText = req.Content
		}
		if lowConfidence {
			in.Reason = fmt.Sprintf("confidence %.2f below floor %.2f", *req.Confidence, s.opts.ConfidenceFloor)
		}
		alert, err := s.escalate(ctx, conv, in)
		if err != nil {
			s.logger.Error("escalation failed", "conversation_id", conv.ID, "error", err)
		}
		result.Alert = alert
		result.Conversation = conv.Clone()
	}

	if req.Sender == store.SenderAI || req.Sender == store.SenderHuman {
		s.deliver(conv, msg)
	}

	s.metrics.MessagesAppended.WithLabelValues(string(msg.Sender)).Inc()
	s.logger.Debug("message appended",
		"conversation_id", conv.ID,
		"seq", msg.Seq,
		"sender", msg.Sender,
		"state", conv.State)
	return result, t, nil
}

// escalate evaluates in and, when an alert opens, moves conv to human_handoff.
// The caller holds the guard. Escalation failures never undo the committed message.
func (s *Service) escalate(ctx context.Context, conv *store.Conversation, in escalation.Input) (*store.HandoffAlert, error) {
	if s.escalator == nil {
		return nil, nil
	}
	alert, err := s.escalator.Evaluate(ctx, in)
	if err != nil || alert == nil {
		return nil, err
	}

	from := conv.State
	if next, ok := Next(conv.State, TriggerEscalated); ok && next != from {
		conv.State = next
		conv.UpdatedAt = s.now()
		if err := s.commit(ctx, from, conv); err != nil {
			return alert, fmt.Errorf("moving conversation to human_handoff: %w", err)
		}
		s.notifyConversation("escalated", conv)
	}
	return alert, nil
}

// runTurn calls the responder outside the guard, then re-enters it to apply the
// result unless the conversation moved on in the meantime.
func (s *Service) runTurn(ctx context.Context, t *turn, customerMsg *store.Message, req *SubmitRequest) (*store.Message, *store.HandoffAlert, *store.Conversation) {
	convID := customerMsg.ConversationID
	logger := s.logger.With("conversation_id", convID, "seq", customerMsg.Seq)

	defer t.cancel()
	defer s.clearInflight(convID, t.seq)

	start := time.Now()
	reply, callErr := s.callResponder(t.ctx, convID)

	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ResponderTimeout)
	defer commitCancel()

	unlock, err := s.guard.Lock(commitCtx, convID)
	if err != nil {
		logger.Error("failed to re-acquire guard after responder turn", "error", err)
		return nil, nil, nil
	}
	defer unlock()

	conv, err := s.store.GetConversation(commitCtx, convID)
	if err != nil {
		logger.Error("failed to reload conversation after responder turn", "error", err)
		return nil, nil, nil
	}

	reason := staleReason(conv, customerMsg.Seq)
	if reason == "" && callErr != nil && t.ctx.Err() != nil {
		// Cancelled by a lock or newer message; not a collaborator failure
		reason = "cancelled"
	}
	if reason != "" {
		s.metrics.StaleResponses.WithLabelValues(reason).Inc()
		s.metrics.ResponderDuration.WithLabelValues("discarded").Observe(time.Since(start).Seconds())
		logger.Info("discarding stale responder result", "reason", reason)
		return nil, nil, conv
	}

	from := conv.State
	var replyMsg *store.Message
	lowConfidence := false
	reason = ""
	outcome := "reply"

	switch {
	case callErr != nil:
		lowConfidence = true
		reason = "responder unavailable"
		outcome = "unavailable"
		logger.Warn("responder unavailable, escalating", "error", callErr)

	case reply.Abstain:
		lowConfidence = true
		reason = "responder abstained"
		if reply.Reason != "" {
			reason += ": " + reply.Reason
		}
		outcome = "abstain"

	case reply.Confidence < s.opts.ConfidenceFloor:
		lowConfidence = true
		reason = fmt.Sprintf("confidence %.2f below floor %.2f", reply.Confidence, s.opts.ConfidenceFloor)
		outcome = "low_confidence"
		if s.opts.AppendLowConfidence {
			replyMsg = s.newReply(conv, reply)
		}

	default:
		replyMsg = s.newReply(conv, reply)
	}

	classified := false
	if reply != nil && !reply.Abstain {
		if reply.Intent != "" && reply.Intent != conv.Intent {
			conv.Intent = reply.Intent
			classified = true
		}
		if reply.Sentiment != "" && reply.Sentiment != conv.Sentiment {
			conv.Sentiment = reply.Sentiment
			classified = true
		}
	}

	if replyMsg != nil {
		conv.LastSeq = replyMsg.Seq
		conv.UpdatedAt = replyMsg.CreatedAt
		if err := Apply(conv, TriggerReplySent); err != nil {
			logger.Error("reply transition rejected", "error", err)
			return nil, nil, conv
		}
		if err := s.commit(commitCtx, from, conv, replyMsg); err != nil {
			logger.Error("failed to append responder reply", "error", err)
			return nil, nil, conv
		}
		s.notifyMessage(conv, replyMsg)
		s.metrics.MessagesAppended.WithLabelValues(string(store.SenderAI)).Inc()
	} else if classified {
		// Classification from an abstaining or suppressed reply still counts
		conv.UpdatedAt = s.now()
		if err := s.commit(commitCtx, from, conv); err != nil {
			logger.Error("failed to save responder classification", "error", err)
		}
	}
	s.metrics.ResponderDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	in := escalation.Input{
		Conversation:  conv,
		Trigger:       customerMsg,
		CustomerText:  req.Content,
		Sentiment:     req.Sentiment,
		Intent:        req.Intent,
		LowConfidence: lowConfidence,
		Reason:        reason,
	}
	if replyMsg != nil {
		in.Trigger = replyMsg
	}
	if reply != nil {
		if reply.Sentiment != "" {
			in.Sentiment = reply.Sentiment
		}
		if reply.Intent != "" {
			in.Intent = reply.Intent
		}
	}

	alert, err := s.escalate(commitCtx, conv, in)
	if err != nil {
		logger.Error("escalation failed", "error", err)
	}

	if replyMsg != nil {
		s.deliver(conv, replyMsg)
	}

	logger.Debug("responder turn complete", "outcome", outcome, "state", conv.State)
	return replyMsg, alert, conv.Clone()
}

// staleReason explains why a responder result no longer applies, or returns "".
func staleReason(conv *store.Conversation, customerSeq int64) string {
	switch {
	case conv.Locked():
		return "locked"
	case conv.LastCustomerSeq != customerSeq:
		return "superseded"
	case conv.State != store.StateAIHandling:
		return "state_changed"
	}
	return ""
}

func (s *Service) newReply(conv *store.Conversation, reply *responder.Reply) *store.Message {
	confidence := reply.Confidence
	return &store.Message{
		ID:              uuid.New().String(),
		ConversationID:  conv.ID,
		Seq:             conv.LastSeq + 1,
		Sender:          store.SenderAI,
		Content:         reply.Content,
		ConfidenceScore: &confidence,
		Intent:          reply.Intent,
		AIMetadata:      reply.Metadata,
		CreatedAt:       s.now(),
	}
}

// callResponder invokes the responder with bounded retries on collaborator failures.
func (s *Service) callResponder(ctx context.Context, convID string) (*responder.Reply, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation for responder: %w", err)
	}
	history, err := s.store.GetMessages(ctx, convID, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history for responder: %w", err)
	}
	req := &responder.Request{Conversation: conv, Messages: history}

	var lastErr error
	for attempt := 0; attempt <= s.opts.ResponderRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.opts.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.ResponderTimeout)
		reply, err := s.responder.Respond(attemptCtx, req)
		cancel()
		if err == nil {
			return checkReply(reply)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		s.logger.Warn("responder attempt failed",
			"conversation_id", convID,
			"attempt", attempt+1,
			"error", err)
	}
	if !errors.Is(lastErr, store.ErrCollaboratorUnavailable) {
		lastErr = fmt.Errorf("%w: %v", store.ErrCollaboratorUnavailable, lastErr)
	}
	return nil, lastErr
}

// checkReply enforces message invariants on whatever a responder returned.
// A missing or empty reply is an abstention; an out-of-range confidence is a
// collaborator failure.
func checkReply(reply *responder.Reply) (*responder.Reply, error) {
	if reply == nil {
		return &responder.Reply{Abstain: true, Reason: "empty reply"}, nil
	}
	if reply.Abstain {
		return reply, nil
	}
	if strings.TrimSpace(reply.Content) == "" {
		return &responder.Reply{
			Abstain:   true,
			Reason:    "empty reply",
			Intent:    reply.Intent,
			Sentiment: reply.Sentiment,
		}, nil
	}
	if c := reply.Confidence; math.IsNaN(c) || c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0, 1]", store.ErrCollaboratorUnavailable, c)
	}
	return reply, nil
}

// registerInflight records t as the conversation's current turn. Only a turn for an
// older message is superseded; a late registration for an older message cancels itself.
func (s *Service) registerInflight(convID string, t *turn) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if prev, ok := s.inflight[convID]; ok {
		if prev.seq > t.seq {
			t.cancel()
			return
		}
		prev.cancel()
	}
	s.inflight[convID] = t
}

func (s *Service) clearInflight(convID string, seq int64) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if cur, ok := s.inflight[convID]; ok && cur.seq == seq {
		delete(s.inflight, convID)
	}
}

// CancelInflight cancels the responder call running for a conversation, if any.
// Its result is discarded by the stale check regardless; cancelling frees the collaborator early.
func (s *Service) CancelInflight(conversationID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	cur, ok := s.inflight[conversationID]
	if !ok {
		return false
	}
	cur.cancel()
	delete(s.inflight, conversationID)
	return true
}

// Resolve forces the conversation to resolved regardless of lock holder.
// Open alerts are left untouched.
func (s *Service) Resolve(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	conv, err := s.mutate(ctx, conversationID, "resolved", func(conv *store.Conversation, now time.Time) error {
		if err := Apply(conv, TriggerResolved); err != nil {
			return err
		}
		conv.ResolvedAt = &now
		conv.LockedBy = ""
		conv.LockedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.CancelInflight(conversationID)
	s.logger.Info("conversation resolved", "conversation_id", conversationID, "agent_id", agentID)
	return conv, nil
}

// Archive applies the archival step. Only resolved conversations can be archived.
// A lock taken after resolution is released; archived conversations have no holder.
func (s *Service) Archive(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.mutate(ctx, conversationID, "archived", func(conv *store.Conversation, now time.Time) error {
		if err := Apply(conv, TriggerArchived); err != nil {
			return err
		}
		conv.LockedBy = ""
		conv.LockedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Archived.Inc()
	s.logger.Info("conversation archived", "conversation_id", conversationID)
	return conv, nil
}

// ClassifyRequest updates classification metadata. Empty fields are left unchanged;
// a non-nil Tags replaces the tag set.
type ClassifyRequest struct {
	ConversationID string
	Intent         string
	Sentiment      string
	Tags           []string
}

// Classify writes intent, sentiment and tags. It never changes state.
func (s *Service) Classify(ctx context.Context, req ClassifyRequest) (*store.Conversation, error) {
	return s.mutate(ctx, req.ConversationID, "classified", func(conv *store.Conversation, now time.Time) error {
		if conv.State == store.StateArchived {
			return store.ErrConversationArchived
		}
		if req.Intent != "" {
			conv.Intent = req.Intent
		}
		if req.Sentiment != "" {
			conv.Sentiment = req.Sentiment
		}
		if req.Tags != nil {
			conv.Tags = req.Tags
		}
		return nil
	})
}

// MarkRead records read receipts on customer messages and resets the unread counter.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (*store.Conversation, error) {
	unlock, err := s.guard.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UnreadCount == 0 {
		return conv, nil
	}
	if err := s.store.MarkConversationRead(ctx, conv, s.now()); err != nil {
		return nil, fmt.Errorf("marking conversation read: %w", err)
	}
	s.notifyConversation("read", conv)
	return conv, nil
}

// mutate runs fn on the conversation under its guard and commits the result.
func (s *Service) mutate(ctx context.Context, conversationID, action string, fn func(conv *store.Conversation, now time.Time) error) (*store.Conversation, error) {
	unlock, err := s.guard.Lock(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	from := conv.State
	now := s.now()
	if err := fn(conv, now); err != nil {
		return nil, err
	}
	conv.UpdatedAt = now

	if err := s.commit(ctx, from, conv); err != nil {
		return nil, err
	}
	s.notifyConversation(action, conv)
	return conv, nil
}

// commit persists conv (and msgs) and records the state transition, if any.
func (s *Service) commit(ctx context.Context, from store.ConversationState, conv *store.Conversation, msgs ...*store.Message) error {
	if err := s.store.CommitConversation(ctx, conv, msgs...); err != nil {
		return fmt.Errorf("committing conversation %s: %w", conv.ID, err)
	}
	if from != conv.State {
		s.metrics.StateTransitions.WithLabelValues(string(from), string(conv.State)).Inc()
	}
	return nil
}

func (s *Service) deliver(conv *store.Conversation, msg *store.Message) {
	if s.delivery == nil {
		return
	}
	s.delivery.Deliver(delivery.NewOutbound(conv, msg))
}

func (s *Service) notifyMessage(conv *store.Conversation, msg *store.Message) {
	s.broadcaster.Notify(&Event{
		Type:           EventMessage,
		Action:         "appended",
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		Conversation:   conv.Clone(),
		Message:        msg,
	})
}

func (s *Service) notifyConversation(action string, conv *store.Conversation) {
	s.broadcaster.Notify(&Event{
		Type:           EventConversation,
		Action:         action,
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		Conversation:   conv.Clone(),
	})
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
