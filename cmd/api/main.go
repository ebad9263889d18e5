package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"outreach/internal/awsutil"
	"outreach/internal/campaign"
	"outreach/internal/channel"
	"outreach/internal/config"
	"outreach/internal/dailycap"
	"outreach/internal/domain"
	"outreach/internal/engine"
	"outreach/internal/httpserver"
	"outreach/internal/logging"
	"outreach/internal/observability"
	"outreach/internal/providers/twilio"
	sqsqueue "outreach/internal/queue/sqs"
	"outreach/internal/scheduler"
	"outreach/internal/store/pg"
)

func main() {
	cfg := config.LoadEngine()
	logger := logging.Init("outreach-engine", cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observability.Register(prometheus.DefaultRegisterer)

	var policy *domain.SendingPolicy
	if cfg.DefaultPolicyFile != "" {
		p, err := config.LoadPolicyFile(cfg.DefaultPolicyFile, cfg.AllowErrorSimulation)
		if err != nil {
			slog.Error("default policy load failed", "err", err, "path", cfg.DefaultPolicyFile)
			os.Exit(1)
		}
		policy = &p
	}

	var checks []httpserver.ReadyzCheck

	// Postgres is optional: snapshots, delivery events, and the postgres counter.
	var pgStore *pg.Store
	if cfg.DBDSN != "" {
		db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			slog.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
		err = db.Ping(startupCtx)
		startupCancel()
		if err != nil {
			slog.Error("db not reachable", "err", err)
			os.Exit(1)
		}
		pgStore = pg.New(db)
		if err := pgStore.Migrate(ctx); err != nil {
			slog.Error("db migrate failed", "err", err)
			os.Exit(1)
		}
		checks = append(checks, func(c context.Context) error { return db.Ping(c) })
	}

	var counter engine.DailyCounter
	switch cfg.DailyCapBackend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// the engine retries steps while the counter is down
			slog.Warn("redis not reachable at startup", "err", err, "addr", cfg.RedisAddr)
		}
		counter = dailycap.NewRedis(rdb)
		checks = append(checks, func(c context.Context) error { return rdb.Ping(c).Err() })
	case "postgres":
		counter = pgStore
	default:
		counter = dailycap.NewMemory()
	}

	sender := newSender(cfg, logger)

	sched := scheduler.New()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	opts := engine.Options{
		Store:                campaign.NewStore(),
		Sender:               sender,
		Scheduler:            sched,
		Counter:              counter,
		Logger:               logger,
		Clock:                sched.Now,
		Location:             cfg.Location(),
		DefaultPolicy:        policy,
		AllowErrorSimulation: cfg.AllowErrorSimulation,
		CostPerMessage:       cfg.CostPerMessage,
		SendTimeout:          cfg.SendTimeout,
	}
	if pgStore != nil {
		opts.Snapshots = pgStore
	}

	var consumer *sqsqueue.CommandConsumer
	if cfg.EventsQueueURL != "" || cfg.CommandsQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			slog.Error("sqs client init failed", "err", err)
			os.Exit(1)
		}
		if cfg.EventsQueueURL != "" {
			opts.Events = &sqsqueue.EventProducer{SQS: sqsClient, QueueURL: cfg.EventsQueueURL}
		}
		if cfg.CommandsQueueURL != "" {
			consumer = &sqsqueue.CommandConsumer{
				SQS: sqsClient, QueueURL: cfg.CommandsQueueURL,
				WaitTimeSeconds:   cfg.SQSWaitTime,
				MaxMessages:       cfg.SQSMaxMsgs,
				VisibilityTimeout: cfg.SQSVizTimeout,
			}
		}
	}

	eng, err := engine.New(opts)
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}

	if pgStore != nil {
		saved, err := pgStore.LoadCampaigns(ctx)
		if err != nil {
			slog.Error("load campaign snapshots failed", "err", err)
			os.Exit(1)
		}
		if err := eng.Restore(ctx, saved); err != nil {
			slog.Error("restore campaigns failed", "err", err)
			os.Exit(1)
		}
		slog.Info("campaigns restored", "count", len(saved))
	}

	s := httpserver.New()
	s.Mux.Use(httpserver.Recover, httpserver.Logging, httpserver.Metrics(observability.APIRequests))
	(&httpserver.API{Engine: eng}).Register(s.Mux)
	wh := &httpserver.Webhook{
		Receipts:        eng,
		VerifySignature: twilio.VerifySignature,
		AuthToken:       cfg.TwilioAuthToken,
		PublicURL:       cfg.PublicWebhookURL,
	}
	if pgStore != nil {
		wh.Store = pgStore
	}
	wh.Register(s.Mux)
	s.RegisterHealth(2*time.Second, checks...)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: s.Mux}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 3)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		slog.Info("metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()
	if consumer != nil {
		go func() {
			slog.Info("command consumer starting", "queue_url", cfg.CommandsQueueURL, "workers", cfg.CommandWorkers)
			errCh <- consumer.PollConcurrent(ctx, cfg.CommandWorkers, func(ctx context.Context, cmd sqsqueue.Command) error {
				return sqsqueue.Apply(ctx, eng, cmd)
			})
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
			slog.Error("engine component failed", "err", err)
			exit = 1
		}
	case sig := <-sigCh:
		slog.Info("engine shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	eng.Shutdown()
	cancel()
	select {
	case <-schedDone:
	case <-shutdownCtx.Done():
		slog.Warn("engine shutdown timeout waiting for scheduler")
	}
	if exit != 0 {
		os.Exit(exit)
	}
}

func newSender(cfg config.EngineConfig, logger *slog.Logger) channel.Sender {
	if cfg.Channel != "twilio" {
		logger.Warn("dry-run channel: messages are logged, not sent")
		return channel.Log{Logger: logger}
	}
	client := &twilio.Client{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		HTTP:                &http.Client{Timeout: 8 * time.Second},
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		FromNumber:          cfg.TwilioFromNumber,
		BaseURL:             cfg.TwilioBaseURL,
		StatusCallbackURL:   cfg.PublicWebhookURL,
	}
	return &channel.Twilio{
		API:      client,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.TwilioRPS), cfg.TwilioBurst),
		Breaker:  channel.NewBreaker("twilio"),
		Attempts: cfg.TwilioAttempts,
		Timeout:  cfg.SendTimeout,
	}
}
