// ABOUTME: Outbound delivery of agent and responder messages to channel adapters
// ABOUTME: A Dispatcher queues messages and fans them out to publishers off the request path

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/store"
)

const (
	queueSize      = 256
	publishTimeout = 10 * time.Second
)

// Outbound is the payload handed to channel adapters.
type Outbound struct {
	ConversationID string    `json:"conversation_id"`
	OrganizationID string    `json:"organization_id"`
	Channel        string    `json:"channel"`
	ExternalID     string    `json:"external_id,omitempty"`
	MessageID      string    `json:"message_id"`
	Seq            int64     `json:"seq"`
	Sender         string    `json:"sender"`
	AuthorID       string    `json:"author_id,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewOutbound builds the adapter payload for msg appended to conv.
func NewOutbound(conv *store.Conversation, msg *store.Message) *Outbound {
	return &Outbound{
		ConversationID: conv.ID,
		OrganizationID: conv.OrganizationID,
		Channel:        string(conv.Channel),
		ExternalID:     conv.ExternalID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Sender:         string(msg.Sender),
		AuthorID:       msg.AuthorID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

// Publisher hands an outbound message to one transport.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, out *Outbound) error
	Close() error
}

// ErrQueueFull is recorded when the dispatcher cannot accept more work.
var ErrQueueFull = errors.New("delivery queue full")

// Dispatcher delivers outbound messages to every configured publisher.
// Failures are logged and counted; submitters never see them.
type Dispatcher struct {
	publishers []Publisher
	queue      chan *Outbound
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher worker. With no publishers, Deliver is a no-op.
func NewDispatcher(publishers []Publisher, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	d := &Dispatcher{
		publishers: publishers,
		queue:      make(chan *Outbound, queueSize),
		metrics:    m,
		logger:     logger.With("component", "delivery"),
		done:       make(chan struct{}),
	}
	go d.run()
	return d
}

// Deliver enqueues out without blocking.
func (d *Dispatcher) Deliver(out *Outbound) {
	if len(d.publishers) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.queue <- out:
	default:
		d.metrics.DeliveryFailures.WithLabelValues("queue").Inc()
		d.logger.Warn("dropping outbound message", "conversation_id", out.ConversationID, "message_id", out.MessageID, "error", ErrQueueFull)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for out := range d.queue {
		d.publish(out)
	}
}

func (d *Dispatcher) publish(out *Outbound) {
	for _, p := range d.publishers {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.Publish(ctx, out)
		cancel()
		if err != nil {
			d.metrics.DeliveryFailures.WithLabelValues(p.Name()).Inc()
			d.logger.Error("outbound delivery failed",
				"publisher", p.Name(),
				"conversation_id", out.ConversationID,
				"message_id", out.MessageID,
				"error", err)
			continue
		}
		d.logger.Debug("outbound delivered",
			"publisher", p.Name(),
			"conversation_id", out.ConversationID,
			"seq", out.Seq)
	}
}

// Close stops accepting work, drains the queue and closes publishers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	<-d.done

	var errs []error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
