// ABOUTME: Alert escalation engine: opens de-duplicated alerts and drives their lifecycle
// ABOUTME: Evaluate runs inside the caller's conversation guard; acknowledge/resolve take it themselves

package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/guard"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/store"
)

// AlertPublisher is notified after every committed alert change.
type AlertPublisher interface {
	PublishAlert(alert *store.HandoffAlert, opened bool)
}

// Engine evaluates trigger rules and owns the alert lifecycle.
type Engine struct {
	store     store.Store
	guard     guard.Guard
	rules     Rules
	publisher AlertPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine. Pass nil metrics/logger for defaults.
func New(s store.Store, g guard.Guard, rules Rules, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		store:   s,
		guard:   g,
		rules:   rules,
		metrics: m,
		logger:  logger.With("component", "escalation"),
		now:     time.Now,
	}
}

// SetPublisher registers the change listener (the gateway's broadcaster).
func (e *Engine) SetPublisher(p AlertPublisher) {
	e.publisher = p
}

func (e *Engine) publish(alert *store.HandoffAlert, opened bool) {
	if e.publisher != nil {
		e.publisher.PublishAlert(alert, opened)
	}
}

// Evaluate opens at most one alert for the turn described by in: the first
// matching rule, in precedence order, whose type has no open alert on the
// conversation. The caller must hold the conversation's guard.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*store.HandoffAlert, error) {
	conv := in.Conversation
	matches := e.rules.Match(in)
	if len(matches) == 0 {
		return nil, nil
	}

	open, err := e.store.ListAlerts(ctx, store.AlertFilter{
		ConversationID: conv.ID,
		Statuses:       []store.AlertStatus{store.AlertPending, store.AlertAcknowledged},
	})
	if err != nil {
		return nil, fmt.Errorf("listing open alerts: %w", err)
	}
	openTypes := make(map[store.AlertType]bool, len(open))
	for _, a := range open {
		openTypes[a.Type] = true
	}

	// Matches are in precedence order. A type that already has an open alert on
	// the conversation yields to the next matching rule, so at most one new alert is raised.
	for _, m := range matches {
		if openTypes[m.Type] {
			e.logger.Debug("alert already open, skipping rule",
				"conversation_id", conv.ID,
				"type", m.Type)
			continue
		}

		now := e.now()
		alert := &store.HandoffAlert{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			OrganizationID: conv.OrganizationID,
			Type:           m.Type,
			Priority:       m.Priority,
			Status:         store.AlertPending,
			Reason:         m.Reason,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if in.Trigger != nil {
			alert.TriggerMessageID = in.Trigger.ID
		}

		if err := e.store.CreateAlert(ctx, alert); err != nil {
			return nil, fmt.Errorf("creating alert: %w", err)
		}

		e.metrics.AlertsOpened.WithLabelValues(string(alert.Type), string(alert.Priority)).Inc()
		e.logger.Info("alert opened",
			"alert_id", alert.ID,
			"conversation_id", conv.ID,
			"type", alert.Type,
			"priority", alert.Priority,
			"reason", alert.Reason)
		e.publish(alert, true)
		return alert, nil
	}
	return nil, nil
}

// Acknowledge moves a pending alert to acknowledged. Not idempotent: a second
// acknowledge fails so the first attribution stands.
func (e *Engine) Acknowledge(ctx context.Context, alertID, agentID string) (*store.HandoffAlert, error) {
	if agentID == "" {
		return nil, &store.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	return e.transition(ctx, alertID, store.AlertAcknowledged, func(a *store.HandoffAlert, now time.Time) error {
		if a.Status != store.AlertPending {
			return &store.AlertTransitionError{AlertID: a.ID, From: a.Status, To: store.AlertAcknowledged}
		}
		a.Status = store.AlertAcknowledged
		a.AcknowledgedBy = agentID
		a.AcknowledgedAt = &now
		return nil
	})
}

// Resolve closes a pending or acknowledged alert.
func (e *Engine) Resolve(ctx context.Context, alertID, agentID, notes string) (*store.HandoffAlert, error) {
	if agentID == "" {
		return nil, &store.ValidationError{Field: "agent_id", Reason: "is required"}
	}
	return e.transition(ctx, alertID, store.AlertResolved, func(a *store.HandoffAlert, now time.Time) error {
		if !a.Status.Open() {
			return &store.AlertTransitionError{AlertID: a.ID, From: a.Status, To: store.AlertResolved}
		}
		a.Status = store.AlertResolved
		a.ResolvedBy = agentID
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
		return nil
	})
}

// transition applies mutate to the alert under its conversation's guard.
func (e *Engine) transition(ctx context.Context, alertID string, to store.AlertStatus, mutate func(*store.HandoffAlert, time.Time) error) (*store.HandoffAlert, error) {
	alert, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	unlock, err := e.guard.Lock(ctx, alert.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("acquiring conversation guard: %w", err)
	}
	defer unlock()

	// Re-read under the guard; the first read only located the conversation
	alert, err = e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if err := mutate(alert, now); err != nil {
		return nil, err
	}
	alert.UpdatedAt = now

	if err := e.store.UpdateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("updating alert: %w", err)
	}

	e.metrics.AlertTransitions.WithLabelValues(string(to)).Inc()
	e.logger.Info("alert updated",
		"alert_id", alert.ID,
		"conversation_id", alert.ConversationID,
		"status", alert.Status)
	e.publish(alert, false)
	return alert, nil
}

// Get returns an alert by id.
func (e *Engine) Get(ctx context.Context, alertID string) (*store.HandoffAlert, error) {
	return e.store.GetAlert(ctx, alertID)
}

// List returns alerts matching filter. Reads are lock-free snapshots.
func (e *Engine) List(ctx context.Context, filter store.AlertFilter) ([]*store.HandoffAlert, error) {
	return e.store.ListAlerts(ctx, filter)
}
