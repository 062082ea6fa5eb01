// ABOUTME: Periodic archival of conversations that stayed resolved past the retention window
// ABOUTME: Runs on a cron schedule and archives through the router so every write takes the conversation guard

package archival

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/handoff-gateway/internal/store"
)

// Archiver lists and archives conversations. conversation.Service implements it.
type Archiver interface {
	List(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
	Archive(ctx context.Context, conversationID string) (*store.Conversation, error)
}

// Options configures the policy.
type Options struct {
	Schedule  string        // standard cron expression or descriptor such as "@every 1h"
	RetainFor time.Duration // how long a conversation stays resolved before archival
	BatchSize int           // conversations archived per run; 0 means 500
}

// Policy archives resolved conversations on a schedule.
type Policy struct {
	cron     *cron.Cron
	archiver Archiver
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	lastRun time.Time
}

// New creates a policy. The schedule is validated here; nothing runs until Start.
func New(archiver Archiver, opts Options, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetainFor <= 0 {
		return nil, fmt.Errorf("retain_for must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		archiver: archiver,
		opts:     opts,
		logger:   logger.With("component", "archival"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	if _, err := p.cron.AddFunc(opts.Schedule, p.tick); err != nil {
		cancel()
		return nil, fmt.Errorf("parsing archival schedule %q: %w", opts.Schedule, err)
	}
	return p, nil
}

// Start starts the scheduler
func (p *Policy) Start() {
	p.logger.Info("archival policy started",
		"schedule", p.opts.Schedule,
		"retain_for", p.opts.RetainFor)
	p.cron.Start()
}

// Stop cancels a run in progress and waits for it to finish.
func (p *Policy) Stop() {
	p.cancel()
	<-p.cron.Stop().Done()
}

// LastRun returns when the last run finished, zero if none has.
func (p *Policy) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *Policy) tick() {
	n, err := p.RunOnce(p.ctx)
	if err != nil {
		p.logger.Error("archival run failed", "archived", n, "error", err)
	}
}

// RunOnce archives up to BatchSize conversations resolved before now - RetainFor.
// Conversations that changed state since the listing are skipped.
func (p *Policy) RunOnce(ctx context.Context) (int, error) {
	cutoff := p.now().Add(-p.opts.RetainFor)
	candidates, err := p.archiver.List(ctx, store.ConversationFilter{
		State:          store.StateResolved,
		ResolvedBefore: &cutoff,
		Limit:          p.opts.BatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("listing resolved conversations: %w", err)
	}

	archived := 0
	for _, conv := range candidates {
		if err := ctx.Err(); err != nil {
			return archived, err
		}
		if _, err := p.archiver.Archive(ctx, conv.ID); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				p.logger.Debug("skipping conversation", "conversation_id", conv.ID, "error", err)
				continue
			}
			return archived, fmt.Errorf("archiving %s: %w", conv.ID, err)
		}
		archived++
	}

	p.mu.Lock()
	p.lastRun = p.now()
	p.mu.Unlock()

	if archived > 0 || len(candidates) > 0 {
		p.logger.Info("archival run complete",
			"candidates", len(candidates),
			"archived", archived,
			"cutoff", cutoff)
	}
	return archived, nil
}
