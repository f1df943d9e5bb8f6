package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helmview/mailmirror/internal/auth"
	"github.com/helmview/mailmirror/internal/config"
	"github.com/helmview/mailmirror/internal/credentials"
	"github.com/helmview/mailmirror/internal/events"
	"github.com/helmview/mailmirror/internal/httpapi"
	"github.com/helmview/mailmirror/internal/metrics"
	"github.com/helmview/mailmirror/internal/providers/restmail"
	"github.com/helmview/mailmirror/internal/queue"
	"github.com/helmview/mailmirror/internal/ratelimit"
	"github.com/helmview/mailmirror/internal/store"
	syncengine "github.com/helmview/mailmirror/internal/sync"
	"github.com/helmview/mailmirror/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("mailmirror exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	// Redis backs the rate limiter when configured, so multiple engine
	// instances share one provider budget. Without it the budget is
	// process-local.
	var buckets ratelimit.BucketStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		buckets = ratelimit.NewRedisStore(rdb)
		logger.Info("rate limiter using redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		buckets = ratelimit.NewMemoryStore()
	}
	limiter := ratelimit.New(buckets, logger)

	publisher, err := events.NewPublisher(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(cfg.Auth.JWKSURL)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("JWKS URL not configured, status API is unauthenticated")
	}

	creds := credentials.NewClient(cfg.Credentials.BaseURL)
	jobs := queue.New()

	budget := func(provider string) ratelimit.Config {
		b := cfg.Budget(provider)
		return ratelimit.Config{MaxRequests: b.MaxRequests, Window: b.Window}
	}

	factory := func(ctx context.Context, token *credentials.Token, account *store.Account) (syncengine.Provider, error) {
		baseURL := cfg.ProviderBaseURL(account.Provider)
		if baseURL == "" {
			return nil, errors.New("no API endpoint configured for provider " + account.Provider)
		}
		return restmail.New(ctx, baseURL, token, account)
	}

	orch := syncengine.New(syncengine.Config{
		Workers:    cfg.Sync.Workers,
		PageSize:   cfg.Sync.PageSize,
		MaxRetries: cfg.Sync.MaxRetries,
	}, st, jobs, limiter, budget, creds, factory, m, logger)
	orch.Start(ctx)

	scheduler := syncengine.NewScheduler(syncengine.SchedulerConfig{
		PollInterval:   cfg.Sync.PollInterval,
		SweepInterval:  cfg.Sync.SweepInterval,
		StaleThreshold: cfg.Sync.StaleThreshold,
		MaxRetries:     cfg.Sync.MaxRetries,
	}, st, jobs, logger)
	go scheduler.Run(ctx)

	dispatcher := events.NewDispatcher(st, publisher, logger)
	go dispatcher.Run(ctx)

	wh := webhook.NewHandler(st, jobs, cfg.Webhook.Secret, cfg.Sync.MaxRetries, m, logger)
	router := httpapi.NewRouter(httpapi.Deps{
		Store:        st,
		Orchestrator: orch,
		Webhook:      wh,
		Verifier:     verifier,
		Registry:     reg,
		Logger:       logger,
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
	orch.Wait()
	return nil
}
