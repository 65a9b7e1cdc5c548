// README: Entry point; loads config, wires services, starts HTTP server, realtime hub and background workers.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dispatch/internal/config"
	httptransport "dispatch/internal/http"
	"dispatch/internal/infra"
	"dispatch/internal/maps"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/directory"
	"dispatch/internal/modules/dispatch"
	"dispatch/internal/modules/notification"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/modules/zone"
	"dispatch/internal/realtime"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := infra.NewLogger(cfg.Log.Level, cfg.Log.Format)
	defer func() { _ = logger.Sync() }()

	// Fees and distances go to clients as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("dispatch-api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		return errors.New("DISPATCH_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	routes := maps.Estimator(maps.HaversineEstimator{})
	var geocoder maps.Geocoder
	if cfg.Maps.APIKey != "" {
		gmaps, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		routes = maps.FallbackEstimator{Primary: gmaps}
		gc, err := maps.NewGeocodeService(cfg.Maps.APIKey, "")
		if err != nil {
			return err
		}
		geocoder = gc
	} else {
		logger.Info("no maps api key, routes use straight-line estimates")
	}

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Info("background worker stopped", zap.String("worker", name))
		}()
	}

	hub := realtime.NewHub(logger.Named("realtime"), m)
	goRun("hub", hub.Run)
	metrics.RegisterHubGauges(reg, func() (int, int) {
		st := hub.Stats()
		return st.Users, st.Watched
	})
	var events realtime.Publisher = realtime.NewLocalBus(hub)
	if cfg.Realtime.Channel != "" {
		bus := realtime.NewRedisBus(rdb, cfg.Realtime.Channel, hub, logger.Named("bus"))
		events = bus
		goRun("redis-bus", func(ctx context.Context) {
			if err := bus.Run(ctx); err != nil {
				logger.Error("redis bus stopped", zap.Error(err))
			}
		})
	}

	var push notification.PushQueue
	notificationStore := notification.NewStore(db)
	if fcm, err := infra.NewFirebaseMessaging(ctx, app); err != nil {
		logger.Warn("fcm unavailable, mobile push disabled", zap.Error(err))
	} else {
		dispatcher := notification.NewPushDispatcher(notificationStore, notification.NewFCMPusher(fcm),
			cfg.Notification.PushQueueSize, cfg.Notification.PushWorkers, logger.Named("push"), m)
		push = dispatcher
		goRun("push", dispatcher.Run)
	}
	notifications := notification.NewService(notificationStore, events, push, logger.Named("notification"), m)

	zones := zone.NewService(zone.NewStore(db))
	deliveries := delivery.NewService(delivery.NewStore(db), events, notifications, logger.Named("delivery"), m)

	positions := tracking.NewPositionIndex(rdb)
	trackingSvc := tracking.NewService(tracking.NewStore(db), deliveries, positions, routes, events, logger.Named("tracking"), m)

	dispatchSvc := dispatch.NewService(dispatch.NewStore(db), directory.NewStore(db), zones, events, notifications,
		logger.Named("dispatch"), m, cfg.Dispatch).
		WithRoutes(routes).
		WithProximity(positions)
	if geocoder != nil {
		dispatchSvc = dispatchSvc.WithGeocoder(geocoder)
	}
	goRun("offer-expiry", dispatchSvc.RunExpiryMonitor)

	ws := realtime.NewHandler(hub, verifier, deliveries, trackingSvc, cfg.Realtime, logger.Named("ws"))
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Zones:            zones,
		Dispatch:         dispatchSvc,
		Tracking:         trackingSvc,
		Deliveries:       deliveries,
		Notifications:    notifications,
		Realtime:         ws,
		Verifier:         verifier,
		Gatherer:         reg,
		Metrics:          m,
		Logger:           logger.Named("http"),
		OperationTimeout: cfg.Dispatch.OperationTimeout,
	})

	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ReadTimeout, cfg.HTTP.ShutdownTimeout, logger)
	err = server.Run(ctx)
	stop()
	wg.Wait()
	return err
}
