package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/najoast/stagego/config"
	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/loader"
	"github.com/najoast/stagego/logging"
	"github.com/najoast/stagego/protocol"
)

// DefaultShutdownTimeout bounds the graceful shutdown started by Run.
const DefaultShutdownTimeout = 30 * time.Second

// ErrAlreadyRunning is returned by Run while the application runs.
var ErrAlreadyRunning = errors.New("application is already running")

// Option configures an Application.
type Option func(*Application)

// WithConfig uses cfg instead of loading a configuration.
func WithConfig(cfg *config.Config) Option {
	return func(app *Application) {
		app.cfg = cfg
	}
}

// WithConfigFile loads the configuration from path and reloads it when the
// file changes.
func WithConfigFile(path string) Option {
	return func(app *Application) {
		app.configFile = path
	}
}

// WithConfigLoader sets the loader used for the configuration file.
func WithConfigLoader(l *config.Loader) Option {
	return func(app *Application) {
		app.configLoader = l
	}
}

// WithRegistry sets the registry of actor types and include fragments.
func WithRegistry(r *loader.Registry) Option {
	return func(app *Application) {
		app.registry = r
	}
}

// WithLogger uses l instead of building a logger from the configuration.
func WithLogger(l *slog.Logger) Option {
	return func(app *Application) {
		app.logger = l
	}
}

// WithActors adds actors to the stage root as soon as it starts.
func WithActors(actors ...core.Params) Option {
	return func(app *Application) {
		app.actors = append(app.actors, actors...)
	}
}

// WithService registers an application service that starts after deps.
// Every such service starts after the stage.
func WithService(service Service, deps ...string) Option {
	return func(app *Application) {
		app.extra = append(app.extra, registration{service: service, deps: deps})
	}
}

type registration struct {
	service Service
	deps    []string
}

// Application runs a stage and the services around it.
type Application struct {
	configFile   string
	configLoader *config.Loader
	registry     *loader.Registry
	actors       []core.Params
	extra        []registration

	logger *slog.Logger
	// set when the logger was built from the configuration
	log *logging.Logger

	lifecycle *LifecycleManager
	remote    *remoteService

	mu      sync.RWMutex
	cfg     *config.Config
	stage   *core.Stage
	files   *loader.FileIncludes
	running bool
}

// New builds an application. Without WithConfig the configuration comes
// from WithConfigFile, or from the loader's search paths and environment.
func New(opts ...Option) (*Application, error) {
	app := &Application{}
	for _, opt := range opts {
		opt(app)
	}

	if app.configLoader == nil {
		app.configLoader = config.NewLoader()
	}
	if app.cfg == nil {
		cfg, err := app.configLoader.Load(app.configFile)
		if err != nil {
			return nil, err
		}
		app.cfg = cfg
	} else if err := app.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfigValidateError, err)
	}

	if app.logger == nil {
		l, err := logging.New(app.cfg.Log)
		if err != nil {
			return nil, err
		}
		app.log = l
		app.logger = l.Logger
	}
	app.logger = app.logger.With("app", app.cfg.App.Name)

	if app.registry == nil {
		app.registry = loader.NewRegistry()
	}

	app.lifecycle = NewLifecycleManager(app.logger)
	if err := app.registerServices(); err != nil {
		return nil, err
	}
	return app, nil
}

func (app *Application) registerServices() error {
	lm := app.lifecycle
	cfg := app.cfg

	if err := lm.Register(&stageService{app: app}); err != nil {
		return err
	}
	if cfg.Stage.IncludeDir != "" && cfg.Stage.WatchIncludes {
		if err := lm.Register(&includeWatcher{app: app}, ServiceStage); err != nil {
			return err
		}
	}
	if cfg.Remote.Enabled {
		app.remote = &remoteService{app: app}
		if err := lm.Register(app.remote, ServiceStage); err != nil {
			return err
		}
	}
	if app.configFile != "" {
		if err := lm.Register(&configWatcher{app: app}, ServiceStage); err != nil {
			return err
		}
	}

	for _, r := range app.extra {
		deps := append([]string{ServiceStage}, r.deps...)
		if err := lm.Register(r.service, deps...); err != nil {
			return err
		}
	}
	return nil
}

// Run starts every service and blocks until ctx is cancelled or the process
// receives SIGINT or SIGTERM, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	app.logger.Info("shutting down", "cause", context.Cause(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// Start starts every service without waiting for a shutdown signal.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return ErrAlreadyRunning
	}
	app.running = true
	app.mu.Unlock()

	if err := app.lifecycle.Start(ctx); err != nil {
		app.mu.Lock()
		app.running = false
		app.mu.Unlock()
		return err
	}

	app.logger.Info("application started", "services", app.lifecycle.Services())
	return nil
}

// Shutdown stops every service in reverse start order.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	if !app.running {
		app.mu.Unlock()
		return nil
	}
	app.running = false
	app.mu.Unlock()

	err := app.lifecycle.Stop(ctx)
	app.logger.Info("application stopped")

	if app.log != nil {
		if cerr := app.log.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Config returns the current configuration.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.cfg
}

// Stage returns the running stage, or nil before Start.
func (app *Application) Stage() *core.Stage {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.stage
}

// Registry returns the registry of actor types and include fragments.
func (app *Application) Registry() *loader.Registry {
	return app.registry
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Lifecycle returns the lifecycle manager.
func (app *Application) Lifecycle() *LifecycleManager {
	return app.lifecycle
}

// RemoteAddr returns the address of the websocket endpoint, or nil when it
// is disabled or not started.
func (app *Application) RemoteAddr() net.Addr {
	if app.remote == nil {
		return nil
	}
	return app.remote.addr
}

// Health reports the health of every service.
func (app *Application) Health(ctx context.Context) map[string]HealthStatus {
	return app.lifecycle.Health(ctx)
}

// applyConfig applies a reloaded configuration. The log level and the stage
// naming settings change in place; other sections take effect on restart.
func (app *Application) applyConfig(oldConfig, newConfig *config.Config) {
	app.mu.Lock()
	app.cfg = newConfig
	stage := app.stage
	app.mu.Unlock()

	if app.log != nil && oldConfig.Log.Level != newConfig.Log.Level {
		app.log.SetLevel(newConfig.Log.Level)
		app.logger.Info("log level changed", "level", newConfig.Log.Level)
	}

	if stage == nil || oldConfig.Stage == newConfig.Stage {
		return
	}
	err := stage.Configure(protocol.Configs{
		PathSeparator: newConfig.Stage.PathSeparator,
		TypePath:      newConfig.Stage.TypePath,
		IncludePath:   newConfig.Stage.IncludePath,
	})
	if err != nil {
		app.logger.Warn("failed to apply stage settings", "error", err)
		return
	}
	app.logger.Info("stage settings changed")
}
