package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/edgeagent/internal/agent"
	"git.home.luguber.info/inful/edgeagent/internal/agent/events"
	"git.home.luguber.info/inful/edgeagent/internal/audit"
	"git.home.luguber.info/inful/edgeagent/internal/config"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
	"git.home.luguber.info/inful/edgeagent/internal/metrics"
	"git.home.luguber.info/inful/edgeagent/internal/state"
	"git.home.luguber.info/inful/edgeagent/internal/supervisor"
	"git.home.luguber.info/inful/edgeagent/internal/transport/pull"
	"git.home.luguber.info/inful/edgeagent/internal/transport/push"
)

// Daemon wires the engine, transports, state store, metrics, and audit log
// together and runs them until the context is canceled.
type Daemon struct {
	cfg        *config.Config
	configPath string

	bus      *events.Bus
	engine   *agent.Engine
	registry *prom.Registry
	recorder *metrics.Recorder

	auditLog      *audit.Log
	auditRecorder *audit.Recorder

	httpServer *HTTPServer
	watcher    *ConfigWatcher

	startTime time.Time
}

// reconcileHandle breaks the construction cycle between the engine and its
// transports: transports are built first against the handle, the engine is
// bound afterwards. Notifications arriving before the bind are dropped; the
// engine has not started accepting yet.
type reconcileHandle struct {
	mu     sync.RWMutex
	engine *agent.Engine
}

func (h *reconcileHandle) bind(engine *agent.Engine) {
	h.mu.Lock()
	h.engine = engine
	h.mu.Unlock()
}

func (h *reconcileHandle) Reconcile(desired *agent.DesiredState) {
	h.mu.RLock()
	engine := h.engine
	h.mu.RUnlock()
	if engine == nil {
		slog.Warn("Dropping desired state received before startup completed")
		return
	}
	engine.Reconcile(desired)
}

// New builds a daemon from validated configuration. configPath is watched
// for logging changes at runtime; pass "" to disable the watcher.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		bus:        events.NewBus(),
		registry:   prom.NewRegistry(),
	}
	d.recorder = metrics.NewRecorder(d.registry)

	store, err := state.NewStore(cfg.Device.DataDir)
	if err != nil {
		return nil, err
	}

	supCfg := cfg.Supervisor
	if supCfg.RunDir == "" {
		supCfg.RunDir = filepath.Join(cfg.Device.DataDir, "run")
	}
	sup := supervisor.NewExecSupervisor(supCfg)

	handle := &reconcileHandle{}

	client, err := pull.NewClient(pull.ClientConfig{
		BaseURL:  cfg.Controller.URL,
		DeviceID: cfg.Device.ID,
		Token:    cfg.Controller.Token,
		Timeout:  cfg.Controller.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	pullTransport, err := pull.NewTransport(client, handle, cfg.Controller.PollInterval)
	if err != nil {
		return nil, err
	}

	engineCfg := agent.EngineConfig{
		Store:      store,
		Supervisor: sup,
		Pull:       pullTransport,
		Bus:        d.bus,
	}
	if cfg.UsesPush() {
		pushTransport, err := push.NewTransport(cfg.Controller.NATSURL, cfg.Device.ID, handle)
		if err != nil {
			return nil, err
		}
		engineCfg.Push = pushTransport
	}

	engine, err := agent.NewEngine(engineCfg)
	if err != nil {
		return nil, err
	}
	handle.bind(engine)
	d.engine = engine

	if cfg.Audit.Enabled {
		path := cfg.Audit.Path
		if path == "" {
			path = filepath.Join(cfg.Device.DataDir, "audit.db")
		}
		auditLog, err := audit.NewLog(path)
		if err != nil {
			return nil, err
		}
		d.auditLog = auditLog
		d.auditRecorder = audit.NewRecorder(auditLog)
	}

	d.httpServer = NewHTTPServer(cfg, d)

	if configPath != "" {
		watcher, err := NewConfigWatcher(configPath, cfg)
		if err != nil {
			// The watcher is a convenience; the daemon runs fine without it.
			slog.Warn("Config watcher unavailable", logfields.Error(err))
		} else {
			d.watcher = watcher
		}
	}

	return d, nil
}

// Run starts every component and blocks until ctx is canceled, then shuts
// down in reverse order.
func (d *Daemon) Run(ctx context.Context) error {
	d.startTime = time.Now()

	d.recorder.Observe(ctx, d.bus)
	if d.auditRecorder != nil {
		d.auditRecorder.Start(ctx, d.bus)
	}

	if err := d.engine.Start(ctx); err != nil {
		return err
	}

	if err := d.httpServer.Start(ctx); err != nil {
		d.engine.Stop()
		return err
	}

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			slog.Warn("Failed to start config watcher", logfields.Error(err))
		}
	}

	slog.Info("Agent running",
		"device_id", d.cfg.Device.ID,
		"http_addr", d.cfg.HTTP.Addr)

	<-ctx.Done()
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	slog.Info("Shutting down")

	if d.watcher != nil {
		d.watcher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.httpServer.Stop(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", logfields.Error(err))
	}

	d.engine.Stop()

	if d.auditRecorder != nil {
		d.auditRecorder.Stop()
	}
	if d.auditLog != nil {
		if err := d.auditLog.Close(); err != nil {
			slog.Warn("Failed to close audit log", logfields.Error(err))
		}
	}
	d.bus.Close()

	slog.Info("Shutdown complete")
}

// Status exposes the engine's status snapshot for the HTTP layer.
func (d *Daemon) Status() *agent.StatusSnapshot {
	return d.engine.Status()
}

// StartTime is when Run began.
func (d *Daemon) StartTime() time.Time {
	return d.startTime
}

// AuditLog returns the audit log, or nil when auditing is disabled.
func (d *Daemon) AuditLog() *audit.Log {
	return d.auditLog
}
