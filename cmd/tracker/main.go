package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busmate-tracker/internal/config"
	"busmate-tracker/internal/db"
	"busmate-tracker/internal/eta"
	"busmate-tracker/internal/ingest"
	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/notify"
	"busmate-tracker/internal/publisher"
	"busmate-tracker/internal/push"
	"busmate-tracker/internal/routing"
	"busmate-tracker/internal/schedule"
	"busmate-tracker/internal/server"
	"busmate-tracker/internal/store"
	"busmate-tracker/internal/tracker"
	"busmate-tracker/internal/trip"
)

type stores struct {
	riders    store.RiderStore
	schedules store.ScheduleStore
	buses     store.BusStore
	ping      func(context.Context) error
}

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := logging.NewStructuredLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logging.WithLogger(ctx, logger)

	st, sqlDB, err := openStores(ctx, cfg, logger)
	if err != nil {
		logging.LogError(logger, "store setup failed", err, slog.String("backend", cfg.StoreBackend))
		os.Exit(1)
	}
	if sqlDB != nil {
		defer logging.SafeCloseWithLogging(sqlDB, logger, "close database")
	}

	mcol := metrics.NewCollector(cfg.TickInterval)

	// Trip pipeline
	tuning := cfg.Tuning
	resolver := schedule.NewResolver(st.schedules, st.buses, cfg.Location, tuning.ScheduleCacheTTL, tuning.ScheduleCacheSize, logger)
	trips := trip.NewManager(st.riders, st.buses, resolver, tuning.RiderBatchLimit, mcol, logger)

	var provider routing.Provider
	if cfg.RoutingAPIKey != "" {
		provider = routing.NewClient(cfg.RoutingURL, cfg.RoutingAPIKey, cfg.RoutingTimeout, logger)
	} else {
		logger.Warn("ROUTING_API_KEY not set, ETAs use the distance fallback only")
	}
	engine := eta.NewEngine(provider, st.buses, tuning, mcol, logger)

	var sender push.Sender
	if cfg.FCMProjectID != "" {
		sender = push.NewFCM(cfg.FCMEndpoint, cfg.FCMProjectID, cfg.FCMAccessToken, logger)
	} else {
		logger.Warn("FCM_PROJECT_ID not set, notifications are logged instead of sent")
		sender = push.NewLogSender(logger)
	}
	dispatcher := notify.NewDispatcher(st.riders, st.buses, resolver, sender, tuning, mcol, logger)

	// NATS is optional: without it trip events are dropped and GPS only comes from the feed poller.
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.EventsPrefix, cfg.LogNATSSubjects, mcol.Publisher(), logger)
		if err != nil {
			logging.LogError(logger, "nats connect failed", err)
			os.Exit(1)
		}
		defer pub.Close()
	}

	deps := tracker.Deps{
		Buses:     st.buses,
		Resolver:  resolver,
		Trips:     trips,
		ETA:       engine,
		Notifier:  dispatcher,
		Tuning:    tuning,
		TickEvery: cfg.TickInterval,
		Metrics:   mcol,
		Logger:    logger,
	}
	if pub != nil {
		deps.Events = pub
	}
	trk := tracker.New(deps)
	recorder := ingest.NewRecorder(st.buses, trk, logger)

	if pub != nil {
		sub, err := pub.SubscribePositions(ctx, cfg.GPSSubject, func(ctx context.Context, msg publisher.PositionMessage) {
			if err := recorder.Record(ctx, msg.SchoolID, msg.BusID, msg.Position(publisher.SourceNATS)); err != nil {
				logging.LogError(logger, "record gps message", err,
					slog.String("school", msg.SchoolID), slog.String("bus", msg.BusID))
			}
		})
		if err != nil {
			logging.LogError(logger, "subscribe gps", err, slog.String("subject", cfg.GPSSubject))
			os.Exit(1)
		}
		defer func() { _ = sub.Unsubscribe() }()
		logger.Info("listening for gps", slog.String("subject", cfg.GPSSubject))
	}

	var pollerDone chan struct{}
	if cfg.GTFSRTVehiclesURL != "" {
		poller := ingest.NewFeedPoller(cfg.GTFSRTVehiclesURL, cfg.GTFSRTSchoolID, cfg.GTFSRTInterval, recorder, logger)
		pollerDone = make(chan struct{})
		go func() {
			defer close(pollerDone)
			poller.Start(ctx)
		}()
	}

	// Clock tick drives the state machine even when GPS is silent
	trk.StartTicker(ctx)

	if cfg.HTTPAddr != "" {
		srv := server.New(server.Deps{
			Buses:       st.buses,
			Riders:      st.riders,
			Metrics:     mcol.Handler(),
			Ping:        st.ping,
			MatchRadius: tuning.StopMatchRadiusMeters,
			Logger:      logger,
		}).Serve(cfg.HTTPAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logging.LogOperation(logger, "tracker_started",
		slog.String("backend", cfg.StoreBackend),
		slog.Duration("tick_interval", cfg.TickInterval),
		slog.String("tz", cfg.Location.String()))

	// Block until context cancelled
	<-ctx.Done()
	trk.Stop()
	if pollerDone != nil {
		<-pollerDone
	}
	logger.Info("shutdown complete")
}

// openStores builds the configured store backend. The returned *sql.DB is nil
// for the memory backend.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stores, *sql.DB, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		mem := store.NewMemory()
		logger.Warn("using in-memory store, state is lost on restart")
		return stores{riders: mem, schedules: mem, buses: mem}, nil, nil
	case config.BackendPostgres:
		dsn := cfg.DatabaseURL
		if cfg.DatabaseName != "" {
			var err error
			if dsn, err = db.WithDBName(dsn, cfg.DatabaseName); err != nil {
				return stores{}, nil, err
			}
		}
		sqlDB, err := db.Open(dsn)
		if err != nil {
			return stores{}, nil, err
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return stores{}, nil, err
		}
		if err := db.Migrate(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return stores{}, nil, err
		}
		logger.Info("connected to postgres", slog.String("database", db.DatabaseName(dsn)))
		pg := db.NewPostgres(sqlDB, logger)
		ping := func(ctx context.Context) error { return db.Ping(ctx, sqlDB) }
		return stores{riders: pg, schedules: pg, buses: pg, ping: ping}, sqlDB, nil
	default:
		return stores{}, nil, errors.New("unknown store backend " + cfg.StoreBackend)
	}
}
