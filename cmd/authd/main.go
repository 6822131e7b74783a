// Command authd serves the authcore HTTP API.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/identity/postgres"
	"github.com/mtracking/authcore/identity/sqlite"
	"github.com/mtracking/authcore/internal/config"
	"github.com/mtracking/authcore/internal/httpapi"
	"github.com/mtracking/authcore/internal/ratelimit"
	"github.com/mtracking/authcore/internal/secretbox"
	"github.com/mtracking/authcore/internal/telemetry"
	"github.com/mtracking/authcore/mail"
	"github.com/mtracking/authcore/metrics"
	"github.com/mtracking/authcore/metrics/otelmetric"
	"github.com/mtracking/authcore/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newRedisClient,
			newRepository,
			newSealer,
			newMetrics,
			newRecorder,
			newMailer,
			newOAuthProviders,
			newEngine,
			newFailures,
			newHandler,
			newRouter,
			httpapi.NewServer,
		),
		fx.Invoke(startSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), telemetry.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TelemetryEndpoint,
		Insecure:    cfg.TelemetryInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})
	return provider, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

// newRepository opens Postgres when DATABASE_URL is set and the embedded
// SQLite store otherwise.
func newRepository(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (identity.Repository, error) {
	if cfg.DatabaseURL == "" {
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("identity store ready", zap.String("driver", "sqlite"), zap.String("path", cfg.SQLitePath))
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
		return store, nil
	}

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("identity store ready", zap.String("driver", "postgres"))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	return store, nil
}

func newSealer(cfg config.Config) (authcore.Sealer, error) {
	box, err := secretbox.FromHex(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("SECRET_ENCRYPTION_KEY: %w", err)
	}
	return box, nil
}

func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newRecorder fans engine metrics out to Prometheus and to the global OTel
// meter provider.
func newRecorder(collector *metrics.Collector) (authcore.Recorder, error) {
	otelRecorder, err := otelmetric.New(otel.GetMeterProvider().Meter("github.com/mtracking/authcore"))
	if err != nil {
		return nil, err
	}
	return metrics.Tee(collector, otelRecorder), nil
}

func newMailer(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger, collector *metrics.Collector) authcore.Mailer {
	links := mail.Links{BaseURL: cfg.FrontendURL}
	var sender mail.Sender = mail.LogSender{Links: links, Log: logger.Named("mail")}
	if cfg.ResendAPIKey != "" {
		sender = &mail.ResendSender{APIKey: cfg.ResendAPIKey, From: cfg.MailFrom, Links: links}
	} else {
		logger.Warn("RESEND_API_KEY not set, emails are only logged")
	}

	dispatcher := mail.NewDispatcher(mail.DispatcherConfig{BufferSize: 256, DropIfFull: true}, sender, logger.Named("mail"), collector)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			dispatcher.Close()
			return nil
		},
	})
	return dispatcher
}

func newOAuthProviders(cfg config.Config) (*oauth.Providers, error) {
	return oauth.NewProviders(cfg.OAuthProviders())
}

type engineParams struct {
	fx.In

	Config    config.Config
	Logger    *zap.Logger
	Redis     redis.UniversalClient
	Repo      identity.Repository
	Sealer    authcore.Sealer
	Mailer    authcore.Mailer
	Recorder  authcore.Recorder
	Telemetry *telemetry.Provider
	Providers *oauth.Providers
}

func newEngine(p engineParams) (*authcore.Engine, error) {
	engineCfg, err := p.Config.Engine()
	if err != nil {
		return nil, err
	}
	engine, err := authcore.New().
		WithConfig(engineCfg).
		WithRedis(p.Redis).
		WithRepository(p.Repo).
		WithSealer(p.Sealer).
		WithMailer(p.Mailer).
		WithOAuthProviders(p.Providers).
		WithLogger(p.Logger.Named("engine")).
		WithRecorder(p.Recorder).
		WithAuditSink(authcore.ZapAuditSink{Log: p.Logger.Named("audit")}).
		WithTracerProvider(p.Telemetry.TracerProvider()).
		Build()
	if err != nil {
		return nil, err
	}
	p.Logger.Info("auth engine ready", engine.SecurityReport().Field())
	return engine, nil
}

func newFailures(cfg config.Config, client redis.UniversalClient) *ratelimit.Failures {
	return ratelimit.NewFailures(client, cfg.RedisPrefix, ratelimit.FailureConfig{
		MaxAttempts: cfg.LoginMaxFailures,
		Window:      cfg.LoginFailureWindow,
	})
}

func newHandler(cfg config.Config, engine *authcore.Engine, failures *ratelimit.Failures, logger *zap.Logger) *httpapi.Handler {
	return httpapi.NewHandler(engine, failures, httpapi.CookieConfig{Secure: cfg.CookieSecure}, logger.Named("http"))
}

func newRouter(cfg config.Config, h *httpapi.Handler, logger *zap.Logger, tp *telemetry.Provider, reg *prometheus.Registry, collector *metrics.Collector) *gin.Engine {
	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	return httpapi.NewRouter(h, httpapi.RouterOptions{
		ServiceName:    cfg.ServiceName,
		Logger:         logger.Named("http"),
		TracerProvider: tp.TracerProvider(),
		Observer:       collector,
		Metrics:        metrics.Handler(reg),
		Limiter:        ratelimit.NewPerClient(cfg.RateLimitRPM),
	})
}

// startSweeper removes expired sessions on SweepInterval.
func startSweeper(lc fx.Lifecycle, cfg config.Config, engine *authcore.Engine, logger *zap.Logger) {
	if cfg.SweepInterval <= 0 {
		return
	}
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.SweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						n, err := engine.SweepExpiredSessions(runCtx)
						if err != nil {
							logger.Warn("session sweep failed", zap.Error(err))
							continue
						}
						if n > 0 {
							logger.Info("expired sessions swept", zap.Int("removed", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *httpapi.Server, cfg config.Config, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.Run(runCtx, cfg.HTTPAddr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
