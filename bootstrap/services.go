package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/najoast/stagego/config"
	"github.com/najoast/stagego/core"
	"github.com/najoast/stagego/loader"
	"github.com/najoast/stagego/network"
	"github.com/najoast/stagego/remote"
	"github.com/najoast/stagego/worker"
	"golang.org/x/sync/errgroup"
)

// Service names registered by an Application
const (
	ServiceStage         = "stage"
	ServiceIncludes      = "include-watcher"
	ServiceRemote        = "remote"
	ServiceConfigWatcher = "config-watcher"
)

// ErrNotStarted is returned when a running service is required.
var ErrNotStarted = errors.New("service not started")

// stageService owns the stage. The stage is built on Start from the
// configuration current at that time.
type stageService struct {
	app *Application
}

func (s *stageService) Name() string { return ServiceStage }

func (s *stageService) Start(ctx context.Context) error {
	app := s.app
	cfg := app.Config()

	var files *loader.FileIncludes
	if cfg.Stage.IncludeDir != "" {
		files = loader.NewFileIncludes(cfg.Stage.IncludeDir, app.logger)
	}
	types := loader.New(app.registry, files)

	opts := []core.Option{
		core.WithLoader(types),
		core.WithLogger(app.logger),
		core.WithPathSeparator(cfg.Stage.PathSeparator),
		core.WithTypePath(cfg.Stage.TypePath),
		core.WithIncludePath(cfg.Stage.IncludePath),
		core.WithMailboxSize(cfg.Stage.MailboxSize),
	}
	if factory := peerFactory(cfg, types, app.logger); factory != nil {
		opts = append(opts, core.WithPeerFactory(factory))
	}

	stage, err := core.NewStage(opts...)
	if err != nil {
		return err
	}

	for _, params := range app.actors {
		if _, err := stage.AddActor(params.Clone()); err != nil {
			_ = stage.Close()
			return fmt.Errorf("failed to add initial actor: %w", err)
		}
	}

	app.mu.Lock()
	app.stage = stage
	app.files = files
	app.mu.Unlock()
	return nil
}

func (s *stageService) Stop(ctx context.Context) error {
	stage := s.app.Stage()
	if stage == nil {
		return nil
	}
	if err := stage.Close(); err != nil && !errors.Is(err, core.ErrStageClosed) {
		return err
	}
	return nil
}

func (s *stageService) Health(ctx context.Context) (HealthStatus, error) {
	stage := s.app.Stage()
	if stage == nil {
		return HealthStatus{State: HealthUnknown, Message: "stage not started"}, nil
	}

	stats, err := stage.Stats()
	if errors.Is(err, core.ErrStageClosed) {
		return HealthStatus{State: HealthStopped, Message: "stage closed"}, nil
	}
	if err != nil {
		return HealthStatus{}, err
	}

	return HealthStatus{
		State:   HealthHealthy,
		Message: "stage running",
		Data: map[string]any{
			"id":            stats.ID,
			"actors":        stats.Actors,
			"subscriptions": stats.Subscriptions,
			"queued_jobs":   stats.QueuedJobs,
		},
	}, nil
}

// peerFactory picks how worker actors are hosted. Local workers resolve
// types through the same loader as the main stage.
func peerFactory(cfg *config.Config, types core.TypeLoader, logger *slog.Logger) core.PeerFactory {
	switch cfg.Worker.Mode {
	case config.WorkerLocal:
		return worker.LocalFactory(logger,
			core.WithLoader(types),
			core.WithMailboxSize(cfg.Stage.MailboxSize),
		)

	case config.WorkerTCP:
		netCfg := network.DefaultConfig()
		netCfg.Address = cfg.Worker.Address
		if cfg.Worker.DialTimeout > 0 {
			netCfg.DialTimeout = cfg.Worker.DialTimeout
		}
		if cfg.Worker.HeartbeatInterval > 0 {
			netCfg.HeartbeatInterval = cfg.Worker.HeartbeatInterval
		}
		if cfg.Worker.MaxFrameSize > 0 {
			netCfg.MaxFrameSize = cfg.Worker.MaxFrameSize
		}
		return worker.TCPFactory(cfg.Worker.Address, netCfg, logger)

	default:
		return nil
	}
}

// background runs one long-lived loop between Start and Stop.
type background struct {
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (b *background) run(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.group = new(errgroup.Group)
	b.group.Go(func() error {
		return fn(ctx)
	})
}

func (b *background) stop() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	return b.group.Wait()
}

// includeWatcher drops cached include fragments whose files change.
type includeWatcher struct {
	app *Application
	background
}

func (s *includeWatcher) Name() string { return ServiceIncludes }

func (s *includeWatcher) Start(ctx context.Context) error {
	app := s.app
	stage, files := app.Stage(), app.files
	if stage == nil || files == nil {
		return fmt.Errorf("%w: %s", ErrNotStarted, ServiceStage)
	}

	s.run(func(ctx context.Context) error {
		return files.Watch(ctx, func(name string) {
			app.logger.Info("include changed, dropping cached fragment", "include", name)
			stage.InvalidateInclude(name)
		})
	})
	return nil
}

func (s *includeWatcher) Stop(ctx context.Context) error {
	return s.stop()
}

func (s *includeWatcher) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Message: "watching " + s.app.Config().Stage.IncludeDir}, nil
}

// remoteService serves the stage over a websocket.
type remoteService struct {
	app *Application
	background

	server *remote.Server
	addr   net.Addr
}

func (s *remoteService) Name() string { return ServiceRemote }

func (s *remoteService) Start(ctx context.Context) error {
	app := s.app
	stage := app.Stage()
	if stage == nil {
		return fmt.Errorf("%w: %s", ErrNotStarted, ServiceStage)
	}
	cfg := app.Config().Remote

	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	s.server = remote.NewServer(stage, cfg.AllowedOrigins, app.logger)
	s.addr = ln.Addr()
	s.run(func(ctx context.Context) error {
		return s.server.Serve(ctx, ln, cfg.Path)
	})
	return nil
}

func (s *remoteService) Stop(ctx context.Context) error {
	return s.stop()
}

func (s *remoteService) Health(ctx context.Context) (HealthStatus, error) {
	if s.server == nil {
		return HealthStatus{State: HealthUnknown, Message: "remote server not started"}, nil
	}
	return HealthStatus{
		State:   HealthHealthy,
		Message: "remote server running",
		Data:    map[string]any{"address": s.addr.String(), "sessions": s.server.Sessions()},
	}, nil
}

// configWatcher reloads the configuration file and applies the changes
// that can be applied to a running application.
type configWatcher struct {
	app     *Application
	watcher *config.Watcher
}

func (s *configWatcher) Name() string { return ServiceConfigWatcher }

func (s *configWatcher) Start(ctx context.Context) error {
	app := s.app

	w, err := config.NewWatcher(app.configFile, app.configLoader, app.logger)
	if err != nil {
		return err
	}
	w.OnConfigChange(app.applyConfig)
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *configWatcher) Stop(ctx context.Context) error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Stop()
}

func (s *configWatcher) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Message: "watching " + s.app.configFile}, nil
}
