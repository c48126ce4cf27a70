package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"incident-dispatch-go/internal/config"
	"incident-dispatch-go/internal/dispatch"
	"incident-dispatch-go/internal/handlers"
	"incident-dispatch-go/internal/metrics"
	"incident-dispatch-go/internal/notify"
	"incident-dispatch-go/internal/ratelimit"
	"incident-dispatch-go/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	defer pgStore.Close()

	if err := pgStore.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database migrations completed")

	redisClient := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()
	pubsub := store.NewRedisPubSub(redisClient)
	if err := pubsub.Ping(ctx); err != nil {
		log.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	m := metrics.New()
	limiter, err := newLimiter(cfg, redisClient, m, log)
	if err != nil {
		return err
	}
	defer limiter.Close()

	keys, err := vapidKeys(cfg, log)
	if err != nil {
		return err
	}

	opts := []notify.Option{
		notify.WithLogger(log.Named("notify")),
		notify.WithMetrics(m),
		notify.WithRateLimiter(limiter),
		notify.WithPush(notify.NewWebPushSender(pgStore, keys, log.Named("push"))),
	}
	if cfg.SMSEnabled() {
		opts = append(opts, notify.WithSMS(notify.NewSMSGateway(
			cfg.SMSGatewayURL, cfg.SMSUsername, cfg.SMSPassword, cfg.SMSSenderID, nil)))
	} else {
		log.Info("SMS_GATEWAY_URL not set, SMS delivery disabled")
	}
	notifier := notify.NewService(pgStore, pubsub, opts...)

	h := handlers.NewHandler(handlers.Config{
		Users:          pgStore,
		Preferences:    pgStore,
		Push:           pgStore,
		Events:         pubsub,
		Notify:         notifier,
		Dispatch:       dispatch.NewService(pgStore, notifier, log.Named("dispatch")),
		Limiter:        limiter,
		Metrics:        m,
		Sessions:       handlers.NewSessionStore(cfg.SessionSecret),
		VAPIDPublicKey: keys.Public,
		UploadDir:      cfg.UploadDir,
		Log:            log.Named("http"),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLimiter(cfg config.Config, client redis.UniversalClient, m *metrics.Metrics, log *zap.Logger) (*ratelimit.Limiter, error) {
	rules, err := ratelimit.LoadRules(cfg.RateLimitFile)
	if err != nil {
		return nil, err
	}

	var bucketStore ratelimit.BucketStore
	switch cfg.RateLimitStore {
	case "redis":
		bucketStore = ratelimit.NewRedisStore(client)
	default:
		bucketStore = ratelimit.NewMemoryStore(time.Minute)
	}
	log.Info("rate limiter ready", zap.String("store", cfg.RateLimitStore))

	return ratelimit.New(bucketStore, rules,
		ratelimit.WithLogger(log.Named("ratelimit")),
		ratelimit.WithMetrics(m),
	), nil
}

// vapidKeys returns the configured keys, or generates a pair for this run.
func vapidKeys(cfg config.Config, log *zap.Logger) (notify.VAPIDKeys, error) {
	if cfg.PushEnabled() {
		return notify.VAPIDKeys{Public: cfg.VAPIDPublicKey, Private: cfg.VAPIDPrivateKey, Subject: cfg.VAPIDSubject}, nil
	}
	keys, err := notify.GenerateVAPIDKeys(cfg.VAPIDSubject)
	if err != nil {
		return notify.VAPIDKeys{}, fmt.Errorf("generate VAPID keys: %w", err)
	}
	log.Warn("VAPID keys not configured, generated a pair for this run; set VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY to keep subscriptions valid across restarts",
		zap.String("public_key", keys.Public))
	return keys, nil
}
