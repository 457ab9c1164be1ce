// Package main is the entry point for the runstream server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tcmartin/runstream/pkg/api"
	"github.com/tcmartin/runstream/pkg/config"
	"github.com/tcmartin/runstream/pkg/events"
	"github.com/tcmartin/runstream/pkg/loader"
	"github.com/tcmartin/runstream/pkg/logging"
	"github.com/tcmartin/runstream/pkg/pubsub"
	"github.com/tcmartin/runstream/pkg/redaction"
	"github.com/tcmartin/runstream/pkg/runtime"
	"github.com/tcmartin/runstream/pkg/scheduler"
	"github.com/tcmartin/runstream/pkg/scripting"
	"github.com/tcmartin/runstream/pkg/services"
	"github.com/tcmartin/runstream/pkg/storage"
	"github.com/tcmartin/runstream/pkg/stream"
	"github.com/tcmartin/runstream/pkg/utils"
)

var (
	configPath   = flag.String("config", "", "Path to config file (JSON or YAML)")
	workflowsDir = flag.String("workflows", "", "Directory of workflow definitions to load at startup")
	version      = flag.Bool("version", false, "Print version information")
)

// Version information
const (
	AppVersion = "0.1.0"
	AppName    = "runstream"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   cfg.Logging.Output,
		FilePath: cfg.Logging.FilePath,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", logging.Err(err))
		os.Exit(1)
	}

	if *workflowsDir != "" {
		if err := app.LoadWorkflows(context.Background(), *workflowsDir); err != nil {
			logger.Error("failed to load workflows", logging.Err(err))
			os.Exit(1)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("application failed", logging.Err(err))
			os.Exit(1)
		}
	case <-stop:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			logger.Error("error during shutdown", logging.Err(err))
			os.Exit(1)
		}
	}
}

// App holds the server's long-lived components
type App struct {
	config     *config.Config
	logger     logging.Logger
	storage    storage.StorageProvider
	broker     pubsub.Broker
	runs       *runtime.RunService
	dispatcher *runtime.PoolDispatcher
	poller     *scheduler.Poller
	server     *api.Server

	cancelPoller context.CancelFunc
	pollerDone   chan struct{}
}

// NewApp wires storage, the broker, the executor and the HTTP server from cfg
func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	provider, err := newStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage provider: %w", err)
	}
	if err := provider.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info("storage ready", logging.F("type", cfg.Storage.Type))

	broker, err := newBroker(cfg.Broker)
	if err != nil {
		provider.Close()
		return nil, err
	}
	logger.Info("broker ready", logging.F("type", cfg.Broker.Type))

	patterns, err := cfg.Redaction.LoadVendorPatterns()
	if err != nil {
		provider.Close()
		return nil, err
	}
	redactor := redaction.New(redaction.Config{
		VendorPatternsEnabled: cfg.Redaction.VendorPatternsEnabled,
		VendorPatterns:        patterns,
		PatternTimeout:        cfg.Redaction.PatternTimeout(),
		Budget:                cfg.Redaction.Budget(),
	}, nil)
	if cfg.Redaction.VendorPatternsEnabled {
		logger.Info("vendor redaction patterns enabled", logging.F("patterns", redactor.VendorPatternCount()))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		redactor.Metrics(),
	)

	publisher := events.NewPublisher(provider.GetLogStore(), broker, redactor, logger)
	readiness := stream.NewReadiness()

	httpClient := utils.NewHTTPClient(cfg.Executor.HTTPTimeout.Std())
	llm := utils.NewLLMClient(utils.NewHTTPClient(cfg.Executor.LLMTimeout.Std()))
	executor := runtime.NewExecutor(runtime.Dependencies{
		Sink:        publisher,
		HTTP:        httpClient,
		Email:       utils.NewSMTPSender(cfg.Executor.HTTPTimeout.Std()),
		Credentials: credentials(cfg.Credentials),
		LLM: map[string]runtime.LLMProvider{
			utils.ProviderOpenAI:    llm,
			utils.ProviderAnthropic: llm,
			utils.ProviderGeneric:   llm,
		},
		Workflows: provider.GetWorkflowStore(),
		Scripts:   scripting.NewGojaEngine(),
		Templates: scripting.NewTemplateEvaluator(),
		Logger:    logger,
	}, runtime.Config{
		MaxParallelism: cfg.Executor.MaxParallelism,
		MaxDepth:       cfg.Executor.MaxDepth,
		HTTPTimeout:    cfg.Executor.HTTPTimeout.Std(),
		LLMTimeout:     cfg.Executor.LLMTimeout.Std(),
		ScriptTimeout:  cfg.Executor.ScriptTimeout.Std(),
	})

	runs := runtime.NewRunService(runtime.ServiceOptions{
		Runs:             provider.GetRunStore(),
		Workflows:        provider.GetWorkflowStore(),
		Executor:         executor,
		Sink:             publisher,
		Redactor:         redactor,
		Logger:           logger,
		Readiness:        readiness,
		ReadinessTimeout: cfg.Stream.ReadinessTimeout.Std(),
	})

	app := &App{
		config:  cfg,
		logger:  logger,
		storage: provider,
		broker:  broker,
		runs:    runs,
	}

	if cfg.Executor.Workers > 0 {
		app.dispatcher = runtime.NewPoolDispatcher(runs, cfg.Executor.Workers, cfg.Executor.QueueSize, logger)
		runs.SetDispatcher(app.dispatcher)
	} else {
		runs.SetDispatcher(runtime.NewInlineDispatcher(runs))
	}

	if cfg.Scheduler.Enabled {
		app.poller = scheduler.NewPoller(provider.GetScheduleStore(), runs, cfg.Scheduler.TickInterval.Std(), logger)
	}

	gateway := stream.NewGateway(provider.GetRunStore(), provider.GetLogStore(), broker, readiness, stream.Config{
		HeartbeatInterval:   cfg.Stream.HeartbeatInterval.Std(),
		PollInterval:        cfg.Stream.PollInterval.Std(),
		ReconnectMaxBackoff: cfg.Stream.ReconnectMaxBackoff.Std(),
	}, logger)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret is not set; every API request will be rejected")
	}

	app.server = api.NewServer(api.Options{
		Config:   cfg.Server,
		Runs:     runs,
		Gateway:  gateway,
		Redactor: redactor,
		Tokens:   services.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiration),
		Gatherer: registry,
		Logger:   logger,
	})

	return app, nil
}

// LoadWorkflows stores every definition found in dir
func (a *App) LoadWorkflows(ctx context.Context, dir string) error {
	defs, err := loader.LoadDir(dir)
	if err != nil {
		return err
	}
	return loader.Store(ctx, defs, a.storage.GetWorkflowStore(), a.storage.GetScheduleStore(), a.logger)
}

// Start runs the poller in the background and serves HTTP until Stop
func (a *App) Start() error {
	a.logger.Info("starting", logging.F("app", AppName), logging.F("version", AppVersion))

	if a.poller != nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancelPoller = cancel
		a.pollerDone = make(chan struct{})
		go func() {
			defer close(a.pollerDone)
			a.poller.Run(ctx)
		}()
	}

	return a.server.Start()
}

// Stop shuts down in dependency order: intake first, then in-flight runs, then storage
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		a.logger.Warn("HTTP server shutdown incomplete", logging.Err(err))
	}

	if a.cancelPoller != nil {
		a.cancelPoller()
		select {
		case <-a.pollerDone:
		case <-ctx.Done():
		}
	}

	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			a.logger.Warn("dispatcher did not drain", logging.Err(err))
		}
	}

	waited := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
	}

	if err := a.broker.Close(); err != nil {
		a.logger.Warn("failed to close broker", logging.Err(err))
	}
	if err := a.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}

func newStorage(cfg config.StorageConfig) (storage.StorageProvider, error) {
	return storage.NewProvider(storage.ProviderConfig{
		Type:   storage.ProviderType(cfg.Type),
		SQLite: &storage.SQLiteProviderConfig{Path: cfg.SQLite.Path},
		DynamoDB: &storage.DynamoDBProviderConfig{
			Region:      cfg.DynamoDB.Region,
			Endpoint:    cfg.DynamoDB.Endpoint,
			TablePrefix: cfg.DynamoDB.TablePrefix,
		},
		PostgreSQL: &storage.PostgreSQLProviderConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		},
	})
}

// noopBroker backs broker type "none": events are persisted only and streams poll
type noopBroker struct{}

func (noopBroker) Publish(ctx context.Context, topic string, payload []byte) error { return nil }

func (noopBroker) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	return nil, fmt.Errorf("no broker configured")
}

func (noopBroker) Close() error { return nil }

func newBroker(cfg config.BrokerConfig) (pubsub.Broker, error) {
	switch cfg.Type {
	case "", "memory":
		return pubsub.NewMemoryBroker(cfg.BufferSize), nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		broker, err := pubsub.NewRedisBroker(ctx, pubsub.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return broker, nil
	case "none":
		return noopBroker{}, nil
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

func credentials(cfg map[string]map[string]config.CredentialConfig) runtime.StaticCredentials {
	creds := make(runtime.StaticCredentials, len(cfg))
	for workspace, entries := range cfg {
		creds[workspace] = make(map[string]utils.Credential, len(entries))
		for id, c := range entries {
			creds[workspace][id] = utils.Credential{
				Provider: c.Provider,
				APIKey:   c.APIKey,
				BaseURL:  c.BaseURL,
				Model:    c.Model,
				Username: c.Username,
				Password: c.Password,
			}
		}
	}
	return creds
}
