// Package server initializes and runs the token lifecycle engine: storage
// backends, the counter store, background event writers, and the engine
// facade itself, with graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/audit"
	"github.com/dvasilenko/authguard/internal/server/breaker"
	"github.com/dvasilenko/authguard/internal/server/config"
	"github.com/dvasilenko/authguard/internal/server/counters"
	"github.com/dvasilenko/authguard/internal/server/engine"
	"github.com/dvasilenko/authguard/internal/server/ratelimit"
	"github.com/dvasilenko/authguard/internal/server/repositories/repomanager"
	"github.com/dvasilenko/authguard/internal/server/sessions"
	"github.com/dvasilenko/authguard/internal/server/threat"
	"github.com/dvasilenko/authguard/internal/server/tokens"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	redis    *redis.Client
	engine   *engine.Engine
	recorder *audit.Recorder
	archiver *audit.Archiver
}

// NewApp wires the engine from configuration. The credential verifier is an
// external collaborator (user store, identity provider) supplied by the
// embedding program.
func NewApp(ctx context.Context, cfg *config.Config, verifier engine.CredentialVerifier) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	rm, err := repomanager.NewPostgresRepositoryManager()
	if err != nil {
		return nil, fmt.Errorf("repository manager init error: %w", err)
	}
	if err := rm.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	tokenStore := rm.Tokens(db)
	sessionRepo := rm.Sessions(db)
	eventRepo := rm.Events(db)

	recorder := audit.NewRecorder(eventRepo, cfg.EventBufferSize, logger)

	var redisClient *redis.Client
	var counterStore counters.Store
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		counterStore = counters.NewRedisStore(redisClient)
	} else {
		counterStore = counters.NewMemoryStore()
	}

	brk := breaker.New(breaker.Config{
		MaxFailures:      cfg.BreakerMaxFailures,
		Cooldown:         cfg.BreakerCooldown,
		SuccessesToClose: cfg.BreakerSuccessesToClose,
		CallTimeout:      cfg.BreakerCallTimeout,
	}, logger)

	validator := sessions.NewValidator(sessionRepo, recorder, sessions.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
	}, logger)

	tokenService := tokens.NewService(tokenStore, validator, tokens.Config{
		Secret:        []byte(cfg.SecretKey),
		AccessTTL:     cfg.AccessTokenValidityDuration,
		RefreshTTL:    cfg.RefreshTokenValidityDuration,
		PreAuthTTL:    cfg.PreAuthTokenValidityDuration,
		RotationGrace: cfg.RotationGraceDuration,
	}, logger)

	limiter := ratelimit.NewLimiter(counterStore, brk, recorder, ratelimit.Config{
		LoginFailLimit:  cfg.LoginFailLimit,
		LoginFailWindow: cfg.LoginFailWindow,
		LockoutBase:     cfg.LockoutBase,
		LockoutMax:      cfg.LockoutMax,
	}, logger)

	stuffing, err := threat.NewCredentialStuffing(threat.CredentialStuffingConfig{
		DistinctThreshold: cfg.StuffingDistinctThreshold,
		MaxSuccessRate:    cfg.StuffingMaxSuccessRate,
	})
	if err != nil {
		return nil, fmt.Errorf("detector init error: %w", err)
	}
	geo, err := threat.NewGeoAnomaly(threat.NewStaticResolver(nil), threat.GeoAnomalyConfig{
		MaxSpeedKMH: cfg.GeoMaxSpeedKMH,
	})
	if err != nil {
		return nil, fmt.Errorf("detector init error: %w", err)
	}
	registry := threat.NewRegistry(logger,
		threat.NewBruteForce(counterStore, threat.BruteForceConfig{
			Threshold: cfg.BruteForceThreshold,
			Window:    cfg.BruteForceWindow,
		}),
		stuffing,
		geo,
		threat.NewSuspiciousAgent(),
	)

	eng := engine.New(verifier, tokenService, validator, limiter, registry, recorder, eventRepo,
		engine.Config{
			LoginRateLimit:  cfg.LoginRateLimit,
			LoginRateWindow: cfg.LoginRateWindow,
		}, logger)

	s3Client, err := audit.NewS3Client(ctx, audit.S3Config{
		RootUser:     cfg.S3RootUser,
		RootPassword: cfg.S3RootPassword,
		Bucket:       cfg.S3Bucket,
		Region:       cfg.S3Region,
		BaseEndpoint: cfg.S3BaseEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 init error: %w", err)
	}
	archiver := audit.NewArchiver(eventRepo, s3Client, cfg.S3Bucket, cfg.ArchiveBatchSize, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		redis:    redisClient,
		engine:   eng,
		recorder: recorder,
		archiver: archiver,
	}, nil
}

// Engine exposes the wired facade to the embedding program's transport.
func (app *App) Engine() *engine.Engine {
	return app.engine
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the background event writer and archiver loops and blocks
// until the context is cancelled or a termination signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.recorder.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.archiver.Run(ctx, app.config.ArchiveInterval)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(context.Background(), "db close error", "error", err)
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error(context.Background(), "redis close error", "error", err)
		}
	}
}
