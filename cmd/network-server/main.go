package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/lorawan-server/lorawan-ns-core/internal/adr"
	"github.com/lorawan-server/lorawan-ns-core/internal/api"
	"github.com/lorawan-server/lorawan-ns-core/internal/auth"
	"github.com/lorawan-server/lorawan-ns-core/internal/config"
	"github.com/lorawan-server/lorawan-ns-core/internal/dedup"
	"github.com/lorawan-server/lorawan-ns-core/internal/devicecache"
	"github.com/lorawan-server/lorawan-ns-core/internal/directory"
	"github.com/lorawan-server/lorawan-ns-core/internal/integration"
	"github.com/lorawan-server/lorawan-ns-core/internal/network"
	"github.com/lorawan-server/lorawan-ns-core/internal/server"
	"github.com/lorawan-server/lorawan-ns-core/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config/network-server.yml", "path to the configuration file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	showConfig := flag.Bool("show-config", false, "print the configuration summary and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load configuration")
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = version
	}
	setupLogging(cfg.Log)

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *validateOnly {
		cfg.PrintConfigSummary()
		fmt.Println("Configuration is valid")
		return
	}

	log.Info().
		Str("config_path", *configPath).
		Str("instance", cfg.Server.InstanceID).
		Str("band", cfg.Network.Band).
		Str("version", cfg.Server.Version).
		Msg("Network server starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Network server stopped with error")
	}
	log.Info().Msg("Network server stopped")
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format != "console" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(cfg *config.Config) error {
	region, err := cfg.Region()
	if err != nil {
		return err
	}
	netID, err := cfg.NetID()
	if err != nil {
		return err
	}
	defaultDedup, err := cfg.DedupMode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]api.HealthCheck{}

	// Device directory
	var store *storage.PostgresStore
	if cfg.Directory.Mode == config.DirectoryPostgres || cfg.Integration.FrameLog.Enabled {
		kek, err := cfg.Database.EncryptionKey()
		if err != nil {
			return err
		}
		store, err = storage.NewPostgresStore(cfg.Database.DSN, storage.Options{
			MaxOpenConns:     cfg.Database.MaxOpenConns,
			MaxIdleConns:     cfg.Database.MaxIdleConns,
			ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
			KeyEncryptionKey: kek,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer store.Close()

		if cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}
		healthChecks["database"] = store.Ping
	}

	var dir directory.Client
	switch cfg.Directory.Mode {
	case config.DirectoryPostgres:
		dir = store
	default:
		dir = directory.NewHTTPClient(cfg.Directory.URL, cfg.Directory.APIKey, cfg.Directory.Timeout)
	}

	if cfg.Directory.Coordinator == config.CoordinatorRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		dir = directory.NewRedisCoordinator(dir, rdb, cfg.Redis.KeyPrefix, cfg.Directory.FCntTTL, cfg.Directory.DedupTTL)
		healthChecks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis coordinator enabled")
	}

	// Transport
	nc, err := connectNATS(cfg.NATS)
	if err != nil {
		return err
	}
	defer nc.Close()
	healthChecks["nats"] = func(context.Context) error {
		if status := nc.Status(); status != nats.CONNECTED {
			return fmt.Errorf("nats %s", status)
		}
		return nil
	}

	bridge := server.NewNATSBridge(nc, region, server.BridgeOptions{
		TxPower:        cfg.NATS.TxPower,
		ControlTimeout: cfg.Dispatcher.ControlTimeout,
	})

	// Integrations
	multi, closeSinks, err := buildTelemetry(cfg, nc, store)
	if err != nil {
		return err
	}
	defer closeSinks()
	defer multi.Close()

	cache := devicecache.New(dir, devicecache.Options{
		InstanceID:       cfg.Server.InstanceID,
		FCntSaveInterval: cfg.Network.FCntSaveInterval,
		Region:           region,
	})
	concentrator := dedup.NewConcentratorDeduplication(cfg.Dedup.ConcentratorWindow)

	dispatcher, err := network.NewDispatcher(network.Options{
		InstanceID:       cfg.Server.InstanceID,
		NetID:            netID,
		Region:           region,
		RXLeadTime:       cfg.Network.RXLeadTime,
		FCntSaveInterval: cfg.Network.FCntSaveInterval,
		MaxFCntGap:       cfg.Network.MaxFCntGap,
		C2DQueueSize:     cfg.Dispatcher.C2DQueueSize,
		FlushTimeout:     cfg.Dispatcher.FlushTimeout,
		Workers:          cfg.Dispatcher.Workers,
		ADR: adr.Config{
			InstallationMargin: cfg.ADR.InstallationMargin,
			StepDB:             cfg.ADR.StepDB,
			MinSamples:         cfg.ADR.MinSamples,
		},
		DefaultDedup: defaultDedup,
	}, network.Deps{
		Directory:    dir,
		Cache:        cache,
		Concentrator: concentrator,
		Sink:         bridge,
		Telemetry:    multi,
	})
	if err != nil {
		return err
	}
	controller := network.NewController(dispatcher)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bridge.Start(ctx, dispatcher, controller)
	})
	g.Go(func() error {
		return concentrator.Run(ctx)
	})

	if store != nil && cfg.Directory.Mode == config.DirectoryPostgres {
		g.Go(func() error {
			pruneClaims(ctx, store, cfg.Dedup.ClaimRetention)
			return nil
		})
	}

	if cfg.API.Enabled {
		restServer := api.NewRESTServer(cfg, controller, auth.NewJWTManager(cfg.JWT, cfg.Operators))
		for name, check := range healthChecks {
			restServer.AddHealthCheck(name, check)
		}
		g.Go(func() error {
			return restServer.ListenAndServe(cfg.API.Addr())
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return restServer.Shutdown(shutdownCtx)
		})
	}

	log.Info().Str("instance", cfg.Server.InstanceID).Msg("Network server started")

	err = g.Wait()
	log.Info().Msg("Shutting down")
	dispatcher.Close()
	if drainErr := nc.Drain(); drainErr != nil {
		log.Warn().Err(drainErr).Msg("Failed to drain NATS connection")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
	return nc, nil
}

// buildTelemetry creates the enabled integration sinks. The returned func
// releases the connections the sinks own.
func buildTelemetry(cfg *config.Config, nc *nats.Conn, store *storage.PostgresStore) (*integration.MultiPublisher, func(), error) {
	var sinks []integration.Sink
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Integration.NATS.Enabled {
		sinks = append(sinks, integration.Sink{Name: "nats", Publisher: integration.NewNATSPublisher(nc)})
	}
	if cfg.Integration.MQTT.Enabled {
		mqttCfg := cfg.Integration.MQTT
		clientID := mqttCfg.ClientID
		if clientID == "" {
			clientID = "lorawan-ns-" + cfg.Server.InstanceID
		}
		pub, err := integration.NewMQTTPublisher(integration.MQTTConfig{
			BrokerURL:    mqttCfg.BrokerURL,
			ClientID:     clientID,
			Username:     mqttCfg.Username,
			Password:     mqttCfg.Password,
			TopicPattern: mqttCfg.TopicPattern,
			QoS:          mqttCfg.QoS,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mqtt integration: %w", err)
		}
		closers = append(closers, pub.Close)
		sinks = append(sinks, integration.Sink{Name: "mqtt", Publisher: pub})
	}
	if cfg.Integration.HTTP.Enabled {
		sinks = append(sinks, integration.Sink{Name: "http", Publisher: integration.NewHTTPPublisher(integration.HTTPConfig{
			Endpoint: cfg.Integration.HTTP.Endpoint,
			Headers:  cfg.Integration.HTTP.Headers,
			Timeout:  cfg.Integration.HTTP.Timeout,
		})})
	}
	if cfg.Integration.FrameLog.Enabled && store != nil {
		sinks = append(sinks, integration.Sink{Name: "frame_log", Publisher: storage.NewFrameLog(store)})
	}

	multi := integration.NewMultiPublisher(nil, cfg.Integration.Workers, sinks...)
	log.Info().Strs("sinks", multi.Sinks()).Msg("Integrations enabled")
	return multi, closeAll, nil
}

// pruneClaims removes expired uplink claims until ctx is done
func pruneClaims(ctx context.Context, store *storage.PostgresStore, retention time.Duration) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PruneUplinkClaims(ctx, retention)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune uplink claims")
				continue
			}
			if n > 0 {
				log.Debug().Int64("removed", n).Msg("Pruned uplink claims")
			}
		}
	}
}
