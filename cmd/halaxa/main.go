package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/halaxapay/halaxa/internal/access"
	"github.com/halaxapay/halaxa/internal/api"
	"github.com/halaxapay/halaxa/internal/auth"
	"github.com/halaxapay/halaxa/internal/billing"
	"github.com/halaxapay/halaxa/internal/config"
	"github.com/halaxapay/halaxa/internal/logger"
	"github.com/halaxapay/halaxa/internal/metrics"
	"github.com/halaxapay/halaxa/internal/paymentlink"
	"github.com/halaxapay/halaxa/internal/quota"
	"github.com/halaxapay/halaxa/internal/realtime"
	"github.com/halaxapay/halaxa/internal/security"
	"github.com/halaxapay/halaxa/internal/session"
	"github.com/halaxapay/halaxa/internal/store"
	"github.com/halaxapay/halaxa/internal/user"
	"github.com/halaxapay/halaxa/internal/version"
)

// rateLimitCleanupInterval is how often idle client limiters are dropped
const rateLimitCleanupInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", os.Getenv("HALAXA_CONFIG"), "path to YAML config file (default: environment only)")
	flag.Parse()

	// Load .env.localdev file if it exists (for local development)
	// Silently ignore if file doesn't exist (production uses real env vars)
	_ = godotenv.Load(".env.localdev")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("halaxa stopped with error")
	}
	log.Info().Msg("Goodbye!")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version.Version).
		Str("commit", version.CommitHash).
		Str("env", cfg.Server.Environment).
		Msg("halaxa - Halaxa Pay plan access server")

	if cfg.Store == nil {
		return errors.New("store configuration is required (set HALAXA_FIRESTORE_PROJECT_ID)")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	log.Info().Str("project", cfg.Store.ProjectID).Str("database", cfg.Store.Database).Msg("initializing Firestore client")
	firestoreClient, err := store.NewFirestoreClient(ctx, store.FirestoreConfig{
		ProjectID:   cfg.Store.ProjectID,
		Database:    cfg.Store.Database,
		Credentials: cfg.Store.Credentials,
	}, log)
	if err != nil {
		return err
	}
	defer firestoreClient.Close()

	userRepo := user.NewFirestoreRepository(firestoreClient.Client())
	linkRepo := paymentlink.NewFirestoreRepository(firestoreClient.Client())
	txRepo := store.NewFirestoreTransactionRepository(firestoreClient.Client())

	tokenVerifier, err := newTokenVerifier(ctx, cfg, log)
	if err != nil {
		return err
	}

	table, err := cfg.PlanTable()
	if err != nil {
		return fmt.Errorf("failed to build plan table: %w", err)
	}
	loc, err := cfg.Access.LoadLocation()
	if err != nil {
		return err
	}
	checker := quota.NewChecker(access.NewEvaluator(table), linkRepo, txRepo,
		quota.WithTimeout(cfg.Access.VerifyTimeout),
		quota.WithLocation(loc),
		quota.WithLogger(log),
		quota.WithRecorder(m),
	)

	origins := cfg.Security.GetCORSAllowedOrigins()
	hub := realtime.NewHub(log, realtime.WithAllowedOrigins(origins), realtime.WithTracker(m))
	defer hub.Close()

	sessions := session.NewManager(userRepo,
		session.WithPublisher(hub),
		session.WithRecorder(m),
		session.WithTimeout(cfg.Access.VerifyTimeout),
		session.WithLogger(log),
	)

	routerCfg := api.RouterConfig{
		Logger:        log,
		TokenVerifier: tokenVerifier,
		Users:         userRepo,
		Sessions:      sessions,
		Checker:       checker,
		Links:         linkRepo,
		Transactions:  txRepo,
		Redirects:     security.NewRedirectURLValidator(cfg.Security.AllowLocalRedirects || cfg.IsDevelopment()),
		Realtime:      hub,
		Metrics:       m,
		MetricsPage:   m.Handler(),
		CORSOrigins:   origins,
	}

	if cfg.Billing != nil {
		billingClient := billing.NewClient(cfg.Billing.SecretKey, cfg.Billing.TierPrices())
		routerCfg.Billing = billingClient
		routerCfg.BillingConfig = cfg.Billing
		routerCfg.WebhookProcessor = billing.NewWebhookProcessor(userRepo, sessions, billingClient, m, log)
		log.Info().Msg("Stripe billing enabled")
	} else {
		log.Warn().Msg("billing is not configured; upgrade endpoints are disabled")
	}

	if cfg.Security.RateLimitEnabled {
		rl := api.NewRateLimiter(api.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimitRPM,
			BurstSize:         cfg.Security.RateLimitBurst,
			TrustedProxyHops:  cfg.Security.TrustedProxyHops,
		})
		go rl.RunCleanup(ctx, rateLimitCleanupInterval)
		routerCfg.RateLimiter = rl
	}

	server := api.NewServer(cfg.Server.Addr, api.NewRouter(routerCfg))
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr()).Msg("starting REST API server")
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown: %w", err)
	}
	log.Info().Msg("API server stopped")
	return nil
}

// newTokenVerifier returns the Firebase verifier, or the development
// verifier when authentication is disabled
func newTokenVerifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth == nil || !cfg.Auth.Enabled {
		if !cfg.IsDevelopment() {
			return nil, errors.New("authentication must be enabled outside development")
		}
		log.Warn().Msg("authentication is DISABLED: bearer tokens are used as user IDs")
		return auth.DevTokenVerifier{}, nil
	}

	log.Info().Str("project", cfg.Auth.ProjectID).Str("tenant", cfg.Auth.TenantID).Msg("initializing Firebase Auth")
	verifier, err := auth.NewFirebaseTokenVerifier(ctx, auth.FirebaseConfig{
		ProjectID:       cfg.Auth.ProjectID,
		CredentialsPath: cfg.Auth.Credentials,
		TenantID:        cfg.Auth.TenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase Auth verifier: %w", err)
	}
	return verifier, nil
}
