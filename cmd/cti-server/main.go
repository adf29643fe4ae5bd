package main

import (
    "context"
    "flag"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/riverside-tel/orange-cti/internal/ami"
    "github.com/riverside-tel/orange-cti/internal/cache"
    appconfig "github.com/riverside-tel/orange-cti/internal/config"
    "github.com/riverside-tel/orange-cti/internal/group"
    "github.com/riverside-tel/orange-cti/internal/health"
    "github.com/riverside-tel/orange-cti/internal/metrics"
    "github.com/riverside-tel/orange-cti/internal/persistence"
    "github.com/riverside-tel/orange-cti/internal/registry"
    "github.com/riverside-tel/orange-cti/internal/session"
    "github.com/riverside-tel/orange-cti/internal/worker"
    "github.com/riverside-tel/orange-cti/pkg/logger"
)

var (
    configFile string
    verbose    bool

    // Global services set up by runServer. The operator CLI in
    // commands.go shares only configFile and opens its own connections.
    cfg      *appconfig.Config
    store    *persistence.MySQLStore
    cacheSvc *cache.Cache
    amiMgr   *ami.Manager
    groupMgr *group.Manager
    reg      *registry.Registry
    healthSvc *health.HealthService
    metricsSvc *metrics.PrometheusMetrics
)

func main() {
    flag.StringVar(&configFile, "config", "", "Configuration file path")
    flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
    serve := flag.Bool("serve", false, "Run the CTI server")
    flag.Parse()

    if *serve {
        runServer()
        return
    }

    runCLI()
}

func runServer() {
    ctx := context.Background()

    loaded, err := appconfig.Load(configFile)
    if err != nil {
        fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
        os.Exit(1)
    }
    cfg = loaded

    logLevel := cfg.Monitoring.Logging.Level
    if verbose {
        logLevel = "debug"
    }
    if err := logger.Init(logger.Config{
        Level:  logLevel,
        Format: cfg.Monitoring.Logging.Format,
        Output: cfg.Monitoring.Logging.Output,
        File: logger.FileConfig{
            Enabled:    cfg.Monitoring.Logging.File.Enabled,
            Path:       cfg.Monitoring.Logging.File.Path,
            MaxSize:    cfg.Monitoring.Logging.File.MaxSize,
            MaxBackups: cfg.Monitoring.Logging.File.MaxBackups,
            MaxAge:     cfg.Monitoring.Logging.File.MaxAge,
            Compress:   cfg.Monitoring.Logging.File.Compress,
        },
    }); err != nil {
        fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
        os.Exit(1)
    }

    if err := initializeServices(ctx); err != nil {
        logger.WithError(err).Fatal("Failed to initialize services")
    }

    sigChan := make(chan os.Signal, 1)
    signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

    go func() {
        if err := reg.Start(); err != nil {
            logger.WithError(err).Fatal("Client listener failed")
        }
    }()

    if cfg.Monitoring.Metrics.Enabled {
        go func() {
            if err := metricsSvc.ServeHTTP(cfg.Monitoring.Metrics.Port); err != nil {
                logger.WithError(err).Warn("Metrics server stopped")
            }
        }()
        go pollAMIStats(ctx)
    }

    if cfg.Monitoring.Health.Enabled {
        go func() {
            if err := healthSvc.Start(); err != nil {
                logger.WithError(err).Warn("Health service stopped")
            }
        }()
    }

    logger.WithField("client_port", cfg.Orange.Port).WithField("ami_addr", cfg.Asterisk.GetAMIAddr()).Info("CTI server started")

    <-sigChan
    logger.Info("Shutting down CTI server")
    shutdown()
}

func initializeServices(ctx context.Context) error {
    s, err := persistence.Open(persistence.Config{
        Host:            cfg.Database.Host,
        Port:            cfg.Database.Port,
        Username:        cfg.Database.Username,
        Password:        cfg.Database.Password,
        Database:        cfg.Database.Database,
        Charset:         cfg.Database.Charset,
        MaxOpenConns:    cfg.Database.MaxOpenConns,
        MaxIdleConns:    cfg.Database.MaxIdleConns,
        ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
        RetryAttempts:   cfg.Database.RetryAttempts,
        RetryDelay:      cfg.Database.RetryDelay,
    })
    if err != nil {
        return err
    }
    store = s

    if err := persistence.RunMigrations(store.DB()); err != nil {
        logger.WithError(err).Warn("Schema migration failed; continuing against existing schema")
    }

    c, err := cache.New(ctx, cache.Config{
        Host:         cfg.Redis.Host,
        Port:         cfg.Redis.Port,
        Password:     cfg.Redis.Password,
        DB:           cfg.Redis.DB,
        PoolSize:     cfg.Redis.PoolSize,
        MinIdleConns: cfg.Redis.MinIdleConns,
        MaxRetries:   cfg.Redis.MaxRetries,
        DialTimeout:  cfg.Redis.DialTimeout,
        ReadTimeout:  cfg.Redis.ReadTimeout,
        WriteTimeout: cfg.Redis.WriteTimeout,
    }, "ctisession")
    if err != nil {
        logger.WithError(err).Warn("Redis unavailable, falling back to no-op cache")
        c = cache.NewNoop()
    }
    cacheSvc = c

    amiMgr = ami.New(ami.Config{
        Host:              cfg.Asterisk.Host,
        Port:              cfg.Asterisk.Port,
        Username:          cfg.Asterisk.Username,
        Secret:            cfg.Asterisk.Secret,
        ReconnectInterval: cfg.Asterisk.ReconnectInterval,
        ActionTimeout:     cfg.Asterisk.ActionTimeout,
        EventBufferSize:   cfg.Asterisk.EventBufferSize,
    })
    if err := amiMgr.Connect(ctx); err != nil {
        logger.WithError(err).Warn("Initial AMI connection failed, reconnect loop will retry")
    }

    groupMgr = group.NewManager()

    pool := worker.NewPool(cfg.Session.WorkerCount, cfg.Session.WorkerQueueDepth)

    reg = registry.New(registry.Config{
        ListenAddress:   "0.0.0.0",
        Port:            cfg.Orange.Port,
        ShutdownTimeout: cfg.Orange.ShutdownTimeout,
        Session: session.Config{
            SingleQuoteHandshake: cfg.Orange.SingleQuoteHandshake,
            HeartbeatInterval:    cfg.Orange.HeartbeatInterval,
        },
    }, pool, store, cacheSvc, groupMgr)

    metricsSvc = metrics.NewPrometheusMetrics()

    healthSvc = health.NewHealthService(cfg.Monitoring.Health.Port)
    healthSvc.RegisterLivenessCheck("client_listener", health.CheckFunc(func(ctx context.Context) error {
        return nil
    }))
    healthSvc.RegisterReadinessCheck("database", health.CheckFunc(func(ctx context.Context) error {
        if !store.IsHealthy() {
            return fmt.Errorf("database unreachable")
        }
        return nil
    }))
    healthSvc.RegisterReadinessCheck("asterisk_manager", health.CheckFunc(func(ctx context.Context) error {
        if !amiMgr.IsConnected() {
            return fmt.Errorf("AMI disconnected")
        }
        return nil
    }))

    return nil
}

func pollAMIStats(ctx context.Context) {
    ticker := time.NewTicker(10 * time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            connected := 0.0
            if amiMgr.IsConnected() {
                connected = 1.0
            }
            metricsSvc.SetGauge("ami_connected", connected, nil)
        }
    }
}

func shutdown() {
    if reg != nil {
        reg.Stop()
    }
    if amiMgr != nil {
        amiMgr.Close()
    }
    if healthSvc != nil {
        healthSvc.Stop()
    }
    if cacheSvc != nil {
        cacheSvc.Close()
    }
    if store != nil {
        store.Close()
    }
    logger.Info("Shutdown complete")
}

func runCLI() {
    rootCmd := &cobra.Command{
        Use:   "cti-server",
        Short: "Desktop agent CTI bridge for Asterisk",
        Long:  "Mediates desktop agent client connections and the Asterisk Manager Interface.",
    }

    rootCmd.AddCommand(
        createSessionsCommand(),
        createGroupsCommand(),
        createAMICommand(),
    )

    if err := rootCmd.Execute(); err != nil {
        fmt.Fprintf(os.Stderr, "Error: %v\n", err)
        os.Exit(1)
    }
}
