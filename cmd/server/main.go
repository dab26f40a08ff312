package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"

	"github.com/example/surge-dispatch/internal/config"
	"github.com/example/surge-dispatch/internal/demand"
	"github.com/example/surge-dispatch/internal/dispatch"
	"github.com/example/surge-dispatch/internal/eta"
	"github.com/example/surge-dispatch/internal/geo"
	httpapi "github.com/example/surge-dispatch/internal/http"
	"github.com/example/surge-dispatch/internal/logging"
	"github.com/example/surge-dispatch/internal/payments"
	"github.com/example/surge-dispatch/internal/rides"
	"github.com/example/surge-dispatch/internal/storage"
	"github.com/example/surge-dispatch/internal/stream"
	"github.com/example/surge-dispatch/internal/surge"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("surge-dispatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		driverGeo geo.Geo
		sampler   demand.Sampler
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		driverGeo = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		sampler = demand.NewRedisSampler(rc, cfg.RedisGeoKey, cfg.DemandWindow)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		idx := geo.NewIndex()
		driverGeo = idx
		sampler = demand.NewMemorySampler(idx, cfg.DemandWindow)
	}

	var (
		tripStore storage.TripStore = storage.NewMemoryStore()
		surgeRepo surge.Repository  = surge.NopRepository{}
		db        *sql.DB
	)
	if cfg.PGDSN != "" {
		var err error
		if db, err = storage.Open(ctx, cfg.PGDSN); err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, cfg.MigrationsDir, logger); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		tripStore = storage.NewPostgresStore(db)
		surgeRepo = storage.NewSurgeRepository(db)
	}

	algo := surge.DefaultAlgorithmConfig()
	algo.MaxSurge = cfg.MaxSurge
	algo.RecomputeInterval = cfg.RecomputeEvery
	zones := surge.NewZoneStore(surgeRepo, algo)
	if err := zones.Load(ctx); err != nil {
		return fmt.Errorf("load surge config: %w", err)
	}
	surgeSvc := surge.NewService(zones, logger, surge.WithDemand(sampler))

	ws := dispatch.NewWSRegistry(logger)
	gateway := dispatch.Fallback{ws}
	if cfg.PushEndpoint != "" {
		gateway = append(gateway, dispatch.NewPushGateway(cfg.PushEndpoint, cfg.PushKey))
	}
	manager := dispatch.NewManager(dispatch.ManagerConfig{
		Timeout: cfg.OfferTimeout,
		Gateway: gateway,
		Sink:    tripStore,
		Logger:  logger,
	})

	estimator := &eta.Estimator{SpeedMps: cfg.ETASpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMURL != "" {
		estimator.Router = eta.NewOSRMClient(cfg.OSRMURL)
	}

	var pay rides.Payments = payments.Noop{}
	if cfg.StripeKey != "" {
		pay = payments.NewStripeClient(cfg.StripeKey, nil)
	}

	var (
		events    stream.Publisher = stream.NopPublisher{}
		locations *stream.LocationProducer
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		defer kp.Close()
		events = kp
		locations = stream.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
		defer locations.Close()
	}

	ridesSvc := rides.NewService(rides.Config{
		SearchRadiusM: cfg.SearchRadiusM,
		MaxCandidates: cfg.MaxCandidates,
		Fare: rides.FareConfig{
			BaseCents:      cfg.FareBaseCents,
			PerKmCents:     cfg.FarePerKm,
			PerMinuteCents: cfg.FarePerMinute,
			MinimumCents:   cfg.FareMinimum,
			Currency:       cfg.Currency,
		},
	}, rides.Deps{
		Geo:      driverGeo,
		ETA:      estimator,
		Surge:    surgeSvc,
		Demand:   sampler,
		Dispatch: manager,
		Gateway:  gateway,
		Store:    tripStore,
		Events:   events,
		Payments: pay,
		Logger:   logger,
	})

	deps := httpapi.Deps{
		Rides:   ridesSvc,
		Surge:   surgeSvc,
		Geo:     driverGeo,
		WS:      ws,
		Signals: manager,
		Logger:  logger,
	}
	// A nil *LocationProducer must not become a non-nil interface.
	if locations != nil {
		deps.Locations = locations
	}
	api := httpapi.NewServer(deps)

	go surgeSvc.RunRecompute(ctx, cfg.RecomputeEvery)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("surge-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatch shutdown", "error", err)
	}
	return nil
}
