package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"service-matching/api"
	"service-matching/auth"
	"service-matching/cache"
	"service-matching/config"
	"service-matching/database"
	"service-matching/dispatch"
	"service-matching/events"
	"service-matching/geohash"
	"service-matching/lifecycle"
	"service-matching/logger"
	"service-matching/matching"
	"service-matching/notify"
	"service-matching/payments"
	"service-matching/profiles"
	"service-matching/store"
)

type stores struct {
	requests store.RequestStore
	profiles store.ProfileStore
	offers   store.OfferStore
	close    func() error
}

func main() {
	// Initialize configuration
	config.InitConfig()
	cfg := config.Cfg

	log, err := logger.Init(cfg.Log.IsProduction(), cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(ctx, cfg, log)
		return
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	broker := events.NewBroker(log)
	index := geohash.NewGeoIndex()
	// Provider updates from every instance, this one included, reach the
	// local index the same way client events reach the local broker.
	local := events.Fanout{broker, profiles.NewIndexSync(index)}
	pub, closePub, err := newPublisher(ctx, cfg, local, log)
	if err != nil {
		return err
	}
	defer closePub()

	profileSvc := profiles.NewService(st.profiles, index, pub, log)
	if err := profileSvc.Warm(ctx); err != nil {
		return err
	}

	offers, stopOffers, err := newDispatch(ctx, cfg, st, pub, log)
	if err != nil {
		return err
	}
	defer stopOffers()

	engine := matching.NewEngine(index, cfg.Matching.MaxSearchRadiusKm)
	controller := lifecycle.NewController(st.requests, engine, pub, log, lifecycle.Options{
		DispatchFanout: cfg.Matching.DispatchFanout,
		Dispatcher:     offers,
	})

	srv := &api.Server{
		Requests:          controller,
		Profiles:          profileSvc,
		Offers:            offers,
		Broker:            broker,
		Verifier:          auth.NewVerifier(cfg.Auth.JWTSecret),
		Log:               log,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwtsecret is empty; every authenticated route will answer 401")
	}
	if cfg.Stripe.WebhookSecret != "" {
		srv.Webhook = payments.NewWebhookHandler(cfg.Stripe.WebhookSecret, controller, log)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.RegisterRoutes(srv),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server started", zap.String("addr", cfg.Server.Addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (stores, error) {
	if cfg.DB.Driver == "memory" {
		m := store.NewMemory()
		log.Info("Using in-memory store")
		return stores{requests: m, profiles: m, offers: m, close: func() error { return nil }}, nil
	}

	db, err := database.Open(ctx, cfg.DB, log)
	if err != nil {
		return stores{}, err
	}
	pg := database.NewStore(db)
	return stores{requests: pg, profiles: pg, offers: pg, close: db.Close}, nil
}

// newPublisher routes events through Redis when configured so that every
// instance relays them to its own subscribers, and mirrors them to Kafka
// for downstream consumers.
func newPublisher(ctx context.Context, cfg *config.Config, local events.Publisher, log *zap.Logger) (events.Publisher, func(), error) {
	var (
		pubs    events.Fanout
		closers []func() error
	)

	if cfg.Redis.Addr != "" {
		client, err := cache.NewClient(ctx, cfg.Redis, log)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, client.Close)
		pubs = append(pubs, events.NewRedisPublisher(client, cfg.Redis.Channel))
		go func() {
			if err := events.Relay(ctx, client, cfg.Redis.Channel, local, log); err != nil {
				log.Error("Event relay stopped", zap.Error(err))
			}
		}()
	} else {
		pubs = append(pubs, local)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		closers = append(closers, kp.Close)
		pubs = append(pubs, kp)
		log.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn("Error closing publisher", zap.Error(err))
			}
		}
	}
	return pubs, closeAll, nil
}

// newDispatch builds the offer service. Offers are pushed through Firebase
// when credentials are configured. Expiry runs on an asynq queue in Redis
// when Redis is configured and on a local sweep otherwise.
func newDispatch(ctx context.Context, cfg *config.Config, st stores, pub events.Publisher, log *zap.Logger) (*dispatch.Service, func(), error) {
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Push.CredentialsFile != "" {
		fcm, err := notify.NewFCMNotifier(ctx, cfg.Push.CredentialsFile, st.profiles, log)
		if err != nil {
			return nil, nil, err
		}
		notifier = fcm
		log.Info("Pushing offers through Firebase")
	}

	opts := dispatch.Options{TTL: cfg.Dispatch.OfferTTL, Notifier: notifier}
	if cfg.Redis.Addr == "" {
		svc := dispatch.NewService(st.offers, pub, log, opts)
		go svc.RunSweeper(ctx, cfg.Dispatch.SweepInterval)
		return svc, func() {}, nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Dispatch.QueueDB,
	}
	client := asynq.NewClient(redisOpt)
	opts.Scheduler = dispatch.NewQueueScheduler(client)
	svc := dispatch.NewService(st.offers, pub, log, opts)

	worker, mux := dispatch.NewExpiryWorker(redisOpt, svc, log)
	if err := worker.Start(mux); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("start offer expiry worker: %w", err)
	}
	log.Info("Offer expiry queue started", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Dispatch.QueueDB))

	stop := func() {
		worker.Shutdown()
		if err := client.Close(); err != nil {
			log.Warn("Error closing task queue client", zap.Error(err))
		}
	}
	return svc, stop, nil
}
