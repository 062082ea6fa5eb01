// ABOUTME: Gateway orchestrator that wires the store, coordination guard and services
// ABOUTME: Owns the HTTP server lifecycle, health endpoints and component shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/handoff-gateway/internal/archival"
	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/conversation"
	"github.com/2389/handoff-gateway/internal/dedupe"
	"github.com/2389/handoff-gateway/internal/delivery"
	"github.com/2389/handoff-gateway/internal/escalation"
	"github.com/2389/handoff-gateway/internal/guard"
	"github.com/2389/handoff-gateway/internal/handoff"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/responder"
	"github.com/2389/handoff-gateway/internal/store"
)

// Gateway is the synchronization facade: it exposes the router, lock manager and
// escalation engine over HTTP and owns every component's lifecycle.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	guard       guard.Guard
	redis       *redis.Client // nil with the local backend
	metrics     *metrics.Metrics
	dedupe      *dedupe.Cache
	dispatcher  *delivery.Dispatcher
	broadcaster *conversation.Broadcaster

	conversations *conversation.Service
	handoffs      *handoff.Manager
	alerts        *escalation.Engine
	archival      *archival.Policy // nil when archival is disabled

	handler    http.Handler
	httpServer *http.Server

	closeOnce sync.Once
	closeErrs []error
}

// initStore creates the SQLite store named by config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initGuard returns the per-conversation critical section for the configured backend.
func initGuard(cfg *config.Config, logger *slog.Logger) (guard.Guard, *redis.Client, error) {
	coord := cfg.Coordination
	if coord.Backend != config.BackendRedis {
		return guard.NewLocal(), nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     coord.RedisAddr,
		Password: coord.RedisPassword,
		DB:       coord.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", coord.RedisAddr, err)
	}

	g := guard.NewRedis(rdb, guard.RedisOptions{
		Prefix:        coord.KeyPrefix,
		TTL:           coord.LeaseTTL,
		RetryInterval: coord.RetryInterval,
		Logger:        logger,
	})
	logger.Info("redis coordination enabled", "addr", coord.RedisAddr)
	return g, rdb, nil
}

// initResponder returns the HTTP responder client, or an abstainer when no URL is set.
func initResponder(cfg *config.Config, logger *slog.Logger) (responder.Responder, error) {
	if cfg.Responder.URL == "" {
		logger.Warn("no responder configured - every customer turn escalates to a human")
		return responder.Abstainer{}, nil
	}
	client, err := responder.NewHTTPClient(cfg.Responder.URL, cfg.Responder.APIKey, cfg.Responder.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("creating responder client: %w", err)
	}
	return client, nil
}

// initPublishers connects every configured outbound transport.
func initPublishers(cfg *config.Config, logger *slog.Logger) ([]delivery.Publisher, error) {
	var publishers []delivery.Publisher

	if url := cfg.Delivery.RabbitMQ.URL; url != "" {
		mq, err := delivery.NewRabbitMQ(url, cfg.Delivery.RabbitMQ.QueuePrefix, logger)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, mq)
	}

	if hooks := cfg.Delivery.Webhooks; len(hooks.URLs) > 0 {
		publishers = append(publishers, delivery.NewWebhook(hooks.URLs, hooks.Secret, hooks.Timeout))
	}

	return publishers, nil
}

// escalationRules merges configured rule lists over the defaults.
func escalationRules(cfg config.EscalationConfig) escalation.Rules {
	rules := escalation.DefaultRules()
	if len(cfg.ExplicitPhrases) > 0 {
		rules.ExplicitPhrases = cfg.ExplicitPhrases
	}
	if len(cfg.NegativeSentiments) > 0 {
		rules.NegativeSentiments = cfg.NegativeSentiments
	}
	if len(cfg.VIPTags) > 0 {
		rules.VIPTags = cfg.VIPTags
	}
	if len(cfg.ComplexIntents) > 0 {
		rules.ComplexIntents = cfg.ComplexIntents
	}
	return rules
}

// serviceOptions maps the responder section onto router options.
func serviceOptions(cfg config.ResponderConfig) conversation.Options {
	opts := conversation.DefaultOptions()
	opts.ConfidenceFloor = cfg.ConfidenceFloor
	opts.AppendLowConfidence = cfg.LowConfidenceReply == config.LowConfidenceAppend
	opts.ResponderRetries = cfg.Retries
	if cfg.Timeout > 0 {
		opts.ResponderTimeout = cfg.Timeout
	}
	if cfg.RetryBackoff > 0 {
		opts.RetryBackoff = cfg.RetryBackoff
	}
	if cfg.HistoryLimit > 0 {
		opts.HistoryLimit = cfg.HistoryLimit
	}
	return opts
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	g, rdb, err := initGuard(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	closeEarly := func() {
		_ = g.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = s.Close()
	}

	resp, err := initResponder(cfg, logger)
	if err != nil {
		closeEarly()
		return nil, err
	}

	publishers, err := initPublishers(cfg, logger)
	if err != nil {
		closeEarly()
		return nil, err
	}

	m := metrics.NewWithRuntime()
	dedupeCache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	dispatcher := delivery.NewDispatcher(publishers, m, logger)
	broadcaster := conversation.NewBroadcaster(logger)

	engine := escalation.New(s, g, escalationRules(cfg.Escalation), m, logger)
	engine.SetPublisher(broadcaster)

	convService := conversation.New(conversation.Deps{
		Store:       s,
		Guard:       g,
		Responder:   resp,
		Escalator:   engine,
		Delivery:    dispatcher,
		Dedupe:      dedupeCache,
		Broadcaster: broadcaster,
		Metrics:     m,
		Logger:      logger,
	}, serviceOptions(cfg.Responder))

	gw := &Gateway{
		config:        cfg,
		logger:        logger.With("component", "gateway"),
		store:         s,
		guard:         g,
		redis:         rdb,
		metrics:       m,
		dedupe:        dedupeCache,
		dispatcher:    dispatcher,
		broadcaster:   broadcaster,
		conversations: convService,
		handoffs:      handoff.New(s, g, convService, broadcaster, m, logger),
		alerts:        engine,
	}

	if cfg.Archival.Enabled {
		policy, err := archival.New(convService, archival.Options{
			Schedule:  cfg.Archival.Schedule,
			RetainFor: cfg.Archival.RetainFor,
			BatchSize: cfg.Archival.BatchSize,
		}, logger)
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("creating archival policy: %w", err)
		}
		gw.archival = policy
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = jwtVerifier
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("HTTP auth running in development mode - no jwt_secret configured")
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, m.Handler())
	}

	gw.registerAPIRoutes(mux, auth.HTTPAuthMiddleware(verifier, logger))

	gw.handler = gw.instrument(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the instrumented HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// startServers starts the HTTP server and the archival schedule.
func (g *Gateway) startServers(httpLn net.Listener) chan error {
	errCh := make(chan error, 1)

	if g.archival != nil {
		g.archival.Start()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	httpLn, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := g.startServers(httpLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents stops background work and releases connections in dependency order:
// producers first, then the transports and stores they write to. Safe to call twice.
func (g *Gateway) closeComponents() []error {
	g.closeOnce.Do(func() {
		g.closeErrs = g.releaseComponents()
	})
	return g.closeErrs
}

func (g *Gateway) releaseComponents() []error {
	var errs []error

	if g.archival != nil {
		g.archival.Stop()
	}
	errs = appendCloseError(errs, "delivery close", g.dispatcher.Close())
	g.broadcaster.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "guard close", g.guard.Close())
	if g.redis != nil {
		errs = appendCloseError(errs, "redis close", g.redis.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errs
}

// Shutdown gracefully stops the HTTP server and closes every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store and coordination backend answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	if g.redis != nil {
		if err := g.redis.Ping(ctx).Err(); err != nil {
			g.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("coordination unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
