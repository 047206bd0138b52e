package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/servicesync/internal/apps/delegated"
	"github.com/MrSnakeDoc/servicesync/internal/apps/echo"
	"github.com/MrSnakeDoc/servicesync/internal/apps/relay"
	"github.com/MrSnakeDoc/servicesync/internal/bus"
	"github.com/MrSnakeDoc/servicesync/internal/config"
	"github.com/MrSnakeDoc/servicesync/internal/connect"
	"github.com/MrSnakeDoc/servicesync/internal/consumer"
	"github.com/MrSnakeDoc/servicesync/internal/domain"
	"github.com/MrSnakeDoc/servicesync/internal/fanout"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver"
	"github.com/MrSnakeDoc/servicesync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/servicesync/internal/logger"
	"github.com/MrSnakeDoc/servicesync/internal/metrics"
	"github.com/MrSnakeDoc/servicesync/internal/node"
	"github.com/MrSnakeDoc/servicesync/internal/plugin"
	"github.com/MrSnakeDoc/servicesync/internal/redis"
	"github.com/MrSnakeDoc/servicesync/internal/registry"
	"github.com/MrSnakeDoc/servicesync/internal/scheduler"
	"github.com/MrSnakeDoc/servicesync/internal/store"
	"github.com/MrSnakeDoc/servicesync/internal/store/memory"
	redisstore "github.com/MrSnakeDoc/servicesync/internal/store/redis"
	"github.com/MrSnakeDoc/servicesync/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	bus         bus.Bus
	redisClient *goredis.Client
	registry    *registry.Registry
	node        *node.Node
	runners     []*plugin.Runner
	restorer    *scheduler.Restorer
	sweeper     *scheduler.PresenceSweeper
	heartbeat   *scheduler.HeartbeatScheduler
	seeder      *scheduler.SeedReloader
}

// inProcessPlugins are the plugins SYNC_PLUGINS can start on this node.
func inProcessPlugins(log logger.Logger) map[string]plugin.Factory {
	return map[string]plugin.Factory{
		echo.Name: echo.Factory(log),
	}
}

func New() *App {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog).With(logger.String("node", cfg.NodeID))
	self := domain.NodeID(cfg.NodeID)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	// Initialize the bus early - fail fast if unavailable
	b, err := newBus(cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to the bus: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("bus initialized successfully", logger.String("bus", cfg.Bus))

	st, redisClient, err := newStore(cfg, loggerClient)
	if err != nil {
		loggerClient.Errorf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	loggerClient.Info("store initialized successfully", logger.String("store", cfg.Store))

	reg, err := registry.New(registry.Options{
		Self:  self,
		Store: st,
		Catalog: registry.Catalog{
			relay.Kind:     relay.Factory(cfg.RelayHistory),
			delegated.Kind: delegated.Factory,
		},
		Fanout:          fanout.New(self, b, loggerClient.Named("fanout"), m),
		Plugins:         plugin.NewDelegate(b, cfg.PluginDataDir, loggerClient.Named("plugin")),
		Metrics:         m,
		Log:             loggerClient.Named("registry"),
		PresenceTimeout: cfg.PresenceTimeout,
		SweepInterval:   cfg.SweepInterval,
		InboxSize:       cfg.InboxSize,
	})
	if err != nil {
		loggerClient.Errorf("Failed to build registry: %v", err)
		os.Exit(1)
	}

	mux := consumer.New(self, b, loggerClient.Named("consumer"), m)
	n := node.New(b, reg, mux, loggerClient, m)

	if len(cfg.Plugins) > 0 {
		loggerClient.Info("in-process plugins requested", logger.Strings("plugins", cfg.Plugins))
	}
	available := inProcessPlugins(loggerClient)
	runners := make([]*plugin.Runner, 0, len(cfg.Plugins))
	for _, name := range cfg.Plugins {
		factory, ok := available[name]
		if !ok {
			loggerClient.Warn("unknown in-process plugin, skipping", logger.String("plugin", name))
			continue
		}
		runners = append(runners, plugin.NewRunner(name, self, b, factory, loggerClient))
	}

	// Create manual reload trigger channel (seeding is optional)
	var seeder *scheduler.SeedReloader
	var reloadTrigger chan struct{}
	if cfg.SeedFile != "" {
		loggerClient.Info("seed file configured, initializing seed reloader",
			logger.String("file", cfg.SeedFile))
		reloadTrigger = make(chan struct{}, 1)
		seeder = scheduler.NewSeedReloader(cfg.SeedFile, reg, loggerClient, cfg.ReloadInterval, reloadTrigger)
	} else {
		loggerClient.Info("seed file not configured, services are created through the API only")
	}

	// Dependencies passed to routes (extend as needed).
	d := deps.Deps{
		Logger:        loggerClient,
		StartTime:     time.Now(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
		TimeNow:       time.Now,
		AllowedHosts:  cfg.AllowedHosts,
		AllowedCIDRS:  cfg.AllowedCIDRS,
		TrustProxy:    cfg.TrustProxy,
		NodeID:        cfg.NodeID,
		BusKind:       cfg.Bus,
		StoreKind:     cfg.Store,
		Bus:           b,
		Store:         st,
		Registry:      reg,
		Multiplexer:   mux,
		Gatherer:      promReg,
		SeedFile:      cfg.SeedFile,
		ReloadTrigger: reloadTrigger,
		WSBurst:       cfg.WSBurst,
		WSRefillPerIP: cfg.WSRefillPerIP,
		WSSendBuffer:  cfg.WSSendBuffer,
	}

	server := httpserver.New(cfg, loggerClient.Named("http"), d)

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		server:      server,
		bus:         b,
		redisClient: redisClient,
		registry:    reg,
		node:        n,
		runners:     runners,
		restorer:    scheduler.NewRestorer(st, reg, loggerClient),
		sweeper:     scheduler.NewPresenceSweeper(reg, loggerClient, cfg.SweepInterval),
		heartbeat:   scheduler.NewHeartbeatScheduler(mux, loggerClient, cfg.HeartbeatInterval),
		seeder:      seeder,
	}
}

func newBus(cfg *config.Config, log logger.Logger) (bus.Bus, error) {
	if cfg.Bus == "memory" {
		return bus.NewMemoryBus(cfg.MailboxSize, log), nil
	}
	log.Infof("Connecting to NATS at %s", cfg.NATSURL)
	return bus.ConnectNATS(context.Background(), bus.NATSOptions{
		URL:           cfg.NATSURL,
		Name:          "servicesync-" + cfg.NodeID,
		ReconnectWait: cfg.NATSReconnectWait,
		DrainTimeout:  cfg.NATSDrainTimeout,
		Connect: connect.Policy{
			Timeout:        cfg.NATSConnectTimeout,
			RetryInterval:  cfg.NATSRetryInterval,
			MaxWait:        cfg.NATSMaxWait,
			AttemptTimeout: cfg.NATSAttemptTimeout,
			WarnThreshold:  cfg.NATSWarnThreshold,
		},
	}, log)
}

func newStore(cfg *config.Config, log logger.Logger) (store.Store, *goredis.Client, error) {
	if cfg.Store == "memory" {
		log.Warn("memory store selected, services will not survive a restart")
		return memory.NewStore(), nil, nil
	}
	log.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	client, err := redis.New(context.Background(), redis.ConnectOptions{
		Addr:           cfg.RedisAddr,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		PoolSize:       cfg.RedisPoolSize,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return redisstore.NewStore(client), client, nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting servicesync v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Info(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Plugins first so restored services reach them with Init
	for _, r := range a.runners {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("failed to start plugin runner: %w", err)
		}
	}

	if err := a.restorer.Sync(ctx); err != nil {
		a.logger.Warn("failed to restore services from store, starting empty",
			logger.Error(err))
	}

	if err := a.node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start presence sweeper: %w", err)
	}
	a.logger.Info("presence sweeper started",
		logger.Duration("interval", a.cfg.SweepInterval),
		logger.Duration("timeout", a.cfg.PresenceTimeout))

	if err := a.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}
	a.logger.Info("consumer heartbeat started",
		logger.Duration("interval", a.cfg.HeartbeatInterval))

	// Start seed reloader (if enabled)
	if a.seeder != nil {
		if err := a.seeder.Start(ctx); err != nil {
			return fmt.Errorf("failed to start seed reloader: %w", err)
		}
		a.logger.Info("seed reloader started",
			logger.Duration("interval", a.cfg.ReloadInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if a.seeder != nil {
		a.seeder.Stop()
	}
	a.heartbeat.Stop()
	a.sweeper.Stop()
	a.node.Stop()
	for _, r := range a.runners {
		r.Stop(shutdownCtx)
	}
	a.registry.Stop()

	if err := a.bus.Close(); err != nil {
		a.logger.Warnf("failed to close bus: %v", err)
	} else {
		a.logger.Info("✅ Bus closed cleanly")
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ servicesync stopped cleanly")
	return nil
}
