package billing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/membership-billing/internal/billing/agreement"
	"github.com/rcourtman/membership-billing/internal/billing/background"
	"github.com/rcourtman/membership-billing/internal/billing/bmetrics"
	"github.com/rcourtman/membership-billing/internal/billing/cache"
	"github.com/rcourtman/membership-billing/internal/billing/conflicts"
	"github.com/rcourtman/membership-billing/internal/billing/directory"
	"github.com/rcourtman/membership-billing/internal/billing/ledger"
	"github.com/rcourtman/membership-billing/internal/billing/linker"
	"github.com/rcourtman/membership-billing/internal/billing/notify"
	"github.com/rcourtman/membership-billing/internal/billing/projector"
	"github.com/rcourtman/membership-billing/internal/billing/provider"
	"github.com/rcourtman/membership-billing/internal/billing/store"
	"github.com/rcourtman/membership-billing/internal/billing/webhook"
	"github.com/rcourtman/membership-billing/internal/logging"
	"github.com/rs/zerolog/log"
)

// Service is the fully wired set of billing components.
type Service struct {
	Config    *Config
	Store     *store.Store
	Provider  provider.Provider // nil when STRIPE_API_KEY is unset
	Pool      *background.Pool
	Linker    *linker.Linker
	Projector *projector.Projector
	Ledger    *ledger.Ledger
	Recorder  *agreement.Recorder
	Detector  *conflicts.Detector
	Resolver  *conflicts.Resolver
	Webhook   *webhook.Handler

	closers []func() error
}

// InitLogging configures the process logger from cfg.
func InitLogging(cfg *Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
		FilePath:  cfg.LogFile,
	})
}

// OpenStore opens the billing database under cfg.DataDir.
func OpenStore(cfg *Config) (*store.Store, error) {
	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create billing dir: %w", err)
	}
	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		return nil, fmt.Errorf("open billing store: %w", err)
	}
	return st, nil
}

// NewService opens the store and wires every component. The background pool
// is started with ctx; Close releases everything.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	st, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}
	svc := &Service{Config: cfg, Store: st}
	svc.closers = append(svc.closers, st.Close)

	// Provider (optional; operations needing it report ProviderNotConfigured)
	if cfg.StripeAPIKey != "" {
		svc.Provider = provider.NewStripeProvider(provider.NewStripeClient(cfg.StripeAPIKey), cfg.ProviderRateLimit)
		log.Info().Float64("rate_limit", cfg.ProviderRateLimit).Msg("Billing provider configured (Stripe)")
	} else {
		log.Warn().Msg("Billing provider not configured (set STRIPE_API_KEY); conflict tooling and link healing are disabled")
	}

	pool := background.NewPool(cfg.BackgroundWorkers, cfg.BackgroundQueueSize)
	pool.SetTaskTimeout(cfg.BackgroundTimeout)
	pool.OnResult = bmetrics.ObserveBackgroundTask
	pool.Start(ctx)
	svc.Pool = pool
	svc.closers = append(svc.closers, func() error { pool.Close(); return nil })

	// Cache invalidation (best-effort)
	var invalidator cache.Invalidator = cache.LogInvalidator{}
	if cfg.RedisURL != "" {
		redisInv, err := cache.NewRedisInvalidator(ctx, cfg.RedisURL, cfg.CachePrefix)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; cache invalidation will only be logged")
		} else {
			invalidator = redisInv
			svc.closers = append(svc.closers, redisInv.Close)
			log.Info().Msg("Cache invalidation configured (Redis)")
		}
	}
	scheduler := cache.NewScheduler(invalidator, pool)

	// Operator notifications
	var sender notify.Sender
	if cfg.PostmarkToken != "" {
		sender = notify.NewPostmarkSender(cfg.PostmarkToken)
		log.Info().Msg("Email sender configured (Postmark)")
	} else {
		sender = notify.NewLogSender(func(to, subject, body string) {
			const maxBody = 4096
			bodyForLog := body
			if len(bodyForLog) > maxBody {
				bodyForLog = bodyForLog[:maxBody] + "...(truncated)"
			}
			log.Info().
				Str("to", to).
				Str("subject", subject).
				Str("body", bodyForLog).
				Msg("Email (log-only, no email provider configured)")
		})
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}
	notifier := notify.NewDispatcher(sender, pool, cfg.EmailFrom, cfg.NotifyEmail)

	// Identity directory (optional; acceptances fall back to email identities)
	var dir directory.Directory
	if cfg.DirectoryURL != "" {
		dir = directory.NewHTTPDirectory(cfg.DirectoryURL, cfg.DirectoryAPIKey)
	}

	svc.Linker = linker.New(st, svc.Provider, scheduler)
	svc.Projector = projector.New(st, svc.Linker, svc.Provider, scheduler, notifier)
	svc.Ledger = ledger.New(st, svc.Linker, ledger.Policy{
		ProductIDs:    productSet(cfg.MembershipProductIDs),
		DefaultPeriod: cfg.DefaultPeriod,
	}, scheduler, notifier)
	svc.Recorder = agreement.NewRecorder(st, dir, svc.Provider, cfg.AgreementType)
	svc.Detector = conflicts.NewDetector(st, svc.Provider, cfg.ProviderConcurrency)
	svc.Resolver = conflicts.NewResolver(st, svc.Provider, svc.Linker, scheduler)
	svc.Webhook = webhook.NewHandler(cfg.StripeWebhookSecret, cfg.StripeWebhookTolerance, svc.Projector, svc.Ledger, svc.Recorder)
	return svc, nil
}

func productSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// Close releases resources in reverse order of acquisition.
func (s *Service) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// Handler returns the HTTP surface of the service.
func (s *Service) Handler(version string) http.Handler {
	return NewHandler(&Deps{
		Config:   s.Config,
		Store:    s.Store,
		Linker:   s.Linker,
		Webhook:  s.Webhook,
		Detector: s.Detector,
		Resolver: s.Resolver,
		Version:  version,
	})
}

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	InitLogging(cfg)
	defer logging.Shutdown()
	log.Info().Str("version", version).Msg("Starting membership billing service")

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := NewService(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("Error releasing billing resources")
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(version),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go runStatusMetrics(ctx, svc.Store, cfg.MetricsInterval)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("Server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}
