package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medichain/medichain/internal/config"
	"github.com/medichain/medichain/internal/domain/access"
	"github.com/medichain/medichain/internal/domain/insurance"
	"github.com/medichain/medichain/internal/domain/record"
	"github.com/medichain/medichain/internal/domain/registry"
	"github.com/medichain/medichain/internal/domain/settlement"
	"github.com/medichain/medichain/internal/ledger"
	"github.com/medichain/medichain/internal/ledger/kvstore"
	"github.com/medichain/medichain/internal/ledger/pgstore"
	"github.com/medichain/medichain/internal/platform/auth"
	"github.com/medichain/medichain/internal/platform/db"
	"github.com/medichain/medichain/internal/platform/events"
	"github.com/medichain/medichain/internal/platform/exchange"
	"github.com/medichain/medichain/internal/platform/middleware"
	"github.com/medichain/medichain/internal/platform/reporting"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "medichain-server",
		Short: "MediChain medical record and settlement ledger",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(statementCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MediChain API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run ledger schema migrations (postgres backend)",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := migrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, pgstore.Migrations()).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := migrationPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, pgstore.Migrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printStatuses(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func migrationPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	return db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
}

func statementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statement",
		Short: "Export a participant's transaction statement as an Excel workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			participant, _ := cmd.Flags().GetString("participant")
			caller, _ := cmd.Flags().GetString("as")
			out, _ := cmd.Flags().GetString("out")
			if participant == "" {
				return fmt.Errorf("--participant is required")
			}
			if caller == "" {
				caller = participant
			}
			if out == "" {
				out = "statement-" + participant + ".xlsx"
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.IsDev())

			ctx := cmd.Context()
			store, pool, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(store, pool)

			svc := settlement.NewService(store, exchange.StaticSource{}, cfg.ExchangeTimeout, events.Nop{}, logger)
			if err := writeStatement(ctx, svc, caller, participant, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Statement written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().String("participant", "", "Identity whose statement is exported")
	cmd.Flags().String("as", "", "Identity of the requesting participant; must match --participant (defaults to it)")
	cmd.Flags().String("out", "", "Output path (defaults to statement-<participant>.xlsx)")
	return cmd
}

func writeStatement(ctx context.Context, svc *settlement.Service, caller, participant, out string) error {
	owner, txs, err := svc.Statement(ctx, caller, participant)
	if err != nil {
		return err
	}
	data, err := reporting.Statement(owner, txs, time.Now().UTC())
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o600)
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStore opens the configured ledger backend. The pool is nil unless the
// backend is postgres.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, *pgxpool.Pool, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, nil, err
		}
		return pgstore.New(pool), pool, nil
	case config.StoreLevelDB:
		store, err := kvstore.Open(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		store, err := kvstore.OpenMemory()
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func closeStore(store ledger.Store, pool *pgxpool.Pool) {
	store.Close()
	if pool != nil {
		pool.Close()
	}
}

func rateSource(cfg *config.Config) (exchange.Source, error) {
	switch cfg.RateSource {
	case config.RateHTTP:
		return exchange.NewHTTPSource(cfg.RateURL), nil
	case config.RateRedis:
		client, err := exchange.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return exchange.NewRedisSource(client, cfg.RateRedisKey), nil
	default:
		rate, err := exchange.ParseRate(cfg.RateStatic)
		if err != nil {
			return nil, err
		}
		return exchange.StaticSource{R: rate}, nil
	}
}

func eventSink(cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	if cfg.EventSink != config.SinkMQTT {
		return events.NewLogPublisher(logger), func() {}, nil
	}
	pub, err := events.NewMQTTPublisher(events.MQTTConfig{
		Broker:      cfg.MQTTBroker,
		ClientID:    cfg.MQTTClientID,
		TopicPrefix: cfg.MQTTTopicPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	return pub, pub.Close, nil
}

// deps carries everything newServer wires into handlers.
type deps struct {
	cfg    *config.Config
	store  ledger.Store
	pool   *pgxpool.Pool
	rates  exchange.Source
	pub    events.Publisher
	logger zerolog.Logger
}

func newServer(d deps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevParticipantHeader},
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Audit middleware
	e.Use(middleware.Audit(logger))

	apiV1 := e.Group("/api/v1")

	// Rate limiting and request deadline
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.store, cfg.StoreBackend, d.pool))

	// Participant registry
	registryHandler := registry.NewHandler(registry.NewService(d.store, d.pub, logger))
	registryHandler.RegisterRoutes(apiV1)

	// Access grants
	accessHandler := access.NewHandler(access.NewService(d.store, d.pub, logger))
	accessHandler.RegisterRoutes(apiV1)

	// Medical records, diagnoses and treatment history
	recordHandler := record.NewHandler(record.NewService(d.store, d.pub, logger))
	recordHandler.RegisterRoutes(apiV1)

	// Charges and settlements
	settlementHandler := settlement.NewHandler(settlement.NewService(d.store, d.rates, cfg.ExchangeTimeout, d.pub, logger))
	settlementHandler.RegisterRoutes(apiV1)

	// Policies and claims
	insuranceHandler := insurance.NewHandler(insurance.NewService(d.store, d.rates, cfg.ExchangeTimeout, d.pub, logger))
	insuranceHandler.RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV") == "development")

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Ledger store
	ctx := context.Background()
	store, pool, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("failed to open ledger store")
	}
	defer closeStore(store, pool)
	logger.Info().Str("backend", cfg.StoreBackend).Msg("ledger store ready")

	if pool != nil {
		applied, err := db.NewMigrator(pool, pgstore.Migrations()).Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	// Exchange rate source
	rates, err := rateSource(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("source", cfg.RateSource).Msg("failed to configure exchange rate source")
	}

	// Event sink
	pub, closePub, err := eventSink(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("sink", cfg.EventSink).Msg("failed to configure event sink")
	}
	defer closePub()

	e := newServer(deps{cfg: cfg, store: store, pool: pool, rates: rates, pub: pub, logger: logger})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
