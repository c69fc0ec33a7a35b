// Package agent is the composition root. It builds the queue, the Hub
// connection, the plugin manager and the bridge from a config, runs them
// and tears them down in dependency order.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/debugprobe/internal/bridge"
	"github.com/nextlevelbuilder/debugprobe/internal/config"
	"github.com/nextlevelbuilder/debugprobe/internal/event"
	"github.com/nextlevelbuilder/debugprobe/internal/hub"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin"
	"github.com/nextlevelbuilder/debugprobe/internal/plugin/builtin"
	"github.com/nextlevelbuilder/debugprobe/internal/queue"
	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

// Option customizes an Agent.
type Option func(*Agent)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d hub.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// WithSettings replaces the file-backed plugin settings store.
func WithSettings(s plugin.SettingsStore) Option {
	return func(a *Agent) { a.settings = s }
}

// WithPlugins replaces the built-in plugin set.
func WithPlugins(ps ...plugin.Plugin) Option {
	return func(a *Agent) { a.pluginSet = ps }
}

// WithConfigWatch reloads drop policy and log level when path changes.
func WithConfigWatch(path string) Option {
	return func(a *Agent) { a.configPath = path }
}

// WithLogLevel lets hot reload adjust the process log level.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *Agent) { a.level = lv }
}

// Agent owns every long-lived component.
type Agent struct {
	cfg        *config.Config
	dialer     hub.Dialer
	settings   plugin.SettingsStore
	pluginSet  []plugin.Plugin
	configPath string
	level      *slog.LevelVar

	queue   *queue.Queue // nil when persistence is off or unavailable
	hub     *hub.Manager
	plugins *plugin.Manager
	bridge  *bridge.Adapter
	logs    *builtin.LogPlugin
	watcher *config.Watcher

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the components without starting anything.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.dialer == nil {
		a.dialer = hub.WebSocketDialer{
			HandshakeTimeout: cfg.Hub.HandshakeTimeout(),
			ReadTimeout:      3 * cfg.Hub.HeartbeatInterval(),
		}
	}
	if a.settings == nil {
		a.settings = plugin.NewFileSettings(config.ExpandHome(cfg.Plugins.SettingsPath))
	}
	if a.pluginSet == nil {
		a.pluginSet = builtin.All()
	}

	hubCfg, err := HubConfig(cfg)
	if err != nil {
		return nil, err
	}

	var store hub.Persistence
	if cfg.Queue.Enabled {
		q, err := openQueue(cfg.Queue)
		if err != nil {
			// The agent still works online; only offline durability is lost.
			slog.Warn("agent: persistence unavailable, continuing in memory", "error", err)
			hubCfg.PersistenceEnabled = false
		} else {
			a.queue = q
			store = q
		}
	}
	a.hub = hub.New(hubCfg, a.dialer, store)

	a.plugins = plugin.NewManager(a.settings)
	for _, p := range a.pluginSet {
		if err := a.plugins.Register(p); err != nil {
			a.closeQueue()
			return nil, err
		}
		if lp, ok := p.(*builtin.LogPlugin); ok {
			a.logs = lp
		}
	}
	for id, opts := range cfg.Plugins.Options {
		raw, err := json.Marshal(opts)
		if err != nil {
			a.closeQueue()
			return nil, fmt.Errorf("plugins.options.%s: %w", id, err)
		}
		a.plugins.SetOptions(id, raw)
	}
	a.hub.SetPluginStates(a.plugins.States)

	a.bridge = bridge.New(a.hub, a.plugins, BridgeConfig(cfg))
	return a, nil
}

func openQueue(qc config.QueueConfig) (*queue.Queue, error) {
	path := config.ExpandHome(qc.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return queue.Open(QueueConfig(qc))
}

// HubConfig converts the file config into connection manager tuning.
func HubConfig(cfg *config.Config) (hub.Config, error) {
	policy, err := hub.ParseDropPolicy(cfg.Buffer.DropPolicy)
	if err != nil {
		return hub.Config{}, fmt.Errorf("buffer.drop_policy: %w", err)
	}
	return hub.Config{
		BufferCapacity:       cfg.Buffer.Capacity,
		DropPolicy:           policy,
		BatchSize:            cfg.Buffer.BatchSize,
		FlushInterval:        cfg.Buffer.FlushInterval(),
		HeartbeatInterval:    cfg.Hub.HeartbeatInterval(),
		ReconnectInterval:    cfg.Hub.ReconnectInterval(),
		MaxReconnectInterval: cfg.Hub.MaxReconnectInterval(),
		MaxReconnectAttempts: cfg.Hub.MaxReconnectAttempts,
		ReconnectJitter:      cfg.Hub.ReconnectJitter,
		PersistenceEnabled:   cfg.Queue.Enabled,
		RecoveryInterval:     cfg.Queue.RecoveryInterval(),
		RecoveryBatchSize:    cfg.Queue.RecoveryBatchSize,
		WriteTimeout:         cfg.Hub.WriteTimeout(),
	}, nil
}

// QueueConfig converts the file config into queue settings.
func QueueConfig(qc config.QueueConfig) queue.Config {
	return queue.Config{
		Path:              config.ExpandHome(qc.Path),
		MaxQueueSize:      qc.MaxSize,
		MaxRetention:      qc.MaxRetention(),
		CompressThreshold: qc.CompressThreshold,
		MaxRetries:        qc.MaxRetries,
	}
}

// BridgeConfig converts the file config into bridge settings.
func BridgeConfig(cfg *config.Config) bridge.Config {
	bc := bridge.DefaultConfig()
	bc.CommandRPM = cfg.Bridge.CommandRPM
	bc.CommandBurst = cfg.Bridge.CommandBurst
	if cfg.Bridge.DedupeSize > 0 {
		bc.DedupeSize = cfg.Bridge.DedupeSize
	}
	if ttl := cfg.Bridge.DedupeTTL(); ttl > 0 {
		bc.DedupeTTL = ttl
	}
	return bc
}

// DeviceInfo builds the registration identity from the config.
func DeviceInfo(cfg *config.Config) protocol.DeviceInfo {
	return protocol.DeviceInfo{
		DeviceID:   cfg.DeviceID(),
		DeviceName: cfg.Device.Name,
		Model:      cfg.Device.Model,
		Platform:   cfg.Device.Platform,
		OSVersion:  cfg.Device.OSVersion,
		AppName:    cfg.Device.AppName,
		AppVersion: cfg.Device.AppVersion,
		BundleID:   cfg.Device.BundleID,
	}
}

func (a *Agent) Hub() *hub.Manager         { return a.hub }
func (a *Agent) Plugins() *plugin.Manager  { return a.plugins }
func (a *Agent) Bridge() *bridge.Adapter   { return a.bridge }
func (a *Agent) Queue() *queue.Queue       { return a.queue }
func (a *Agent) Config() *config.Config    { return a.cfg }

// LogHandler wraps next so agent logs reach the log plugin. Without a log
// plugin next is returned unchanged.
func (a *Agent) LogHandler(next slog.Handler) slog.Handler {
	if a.logs == nil {
		return next
	}
	return a.logs.Handler(next)
}

// Run starts everything, connects when a Hub URL is configured and blocks
// until ctx is cancelled or a background task fails. Shutdown runs before
// Run returns.
func (a *Agent) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.start(gctx); err != nil {
		a.Shutdown(context.Background())
		return err
	}

	if a.queue != nil && a.cfg.Queue.SweepCron != "" {
		g.Go(func() error {
			return a.queue.RunExpirySweep(gctx, a.cfg.Queue.SweepCron)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Shutdown(sctx))
}

// start brings components up in dependency order: sink and hub first so
// plugin events emitted during start are buffered, plugins before the
// connection so registration carries their states.
func (a *Agent) start(ctx context.Context) error {
	event.SetSink(a.hub)
	a.hub.Start()
	a.bridge.Start(ctx)

	if err := a.plugins.StartAll(ctx, DeviceInfo(a.cfg)); err != nil {
		var sf *plugin.StartFailedError
		if !errors.As(err, &sf) {
			return fmt.Errorf("start plugins: %w", err)
		}
		slog.Warn("agent: some plugins failed to start", "error", err)
	}

	if a.configPath != "" {
		if err := a.watchConfig(); err != nil {
			slog.Warn("agent: config hot reload disabled", "path", a.configPath, "error", err)
		}
	}

	if a.cfg.Hub.URL == "" {
		slog.Info("agent: no hub url configured, running offline")
		return nil
	}
	if !a.cfg.Hub.AutoConnect {
		return nil
	}
	token, err := a.cfg.ResolveToken()
	if err != nil {
		return fmt.Errorf("resolve hub token: %w", err)
	}
	return a.hub.Connect(hub.Endpoint{
		URL:    a.cfg.Hub.URL,
		Token:  token,
		Device: DeviceInfo(a.cfg),
	})
}

func (a *Agent) watchConfig() error {
	w, err := config.NewWatcher(a.configPath, a.cfg)
	if err != nil {
		return err
	}
	w.OnChange(a.applyReload)
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	a.watcher = w
	return nil
}

// applyReload applies the settings that can change at runtime. Everything
// else needs a restart.
func (a *Agent) applyReload(cfg *config.Config) {
	if p, err := hub.ParseDropPolicy(cfg.Buffer.DropPolicy); err != nil {
		slog.Warn("agent: ignoring reloaded drop policy", "error", err)
	} else {
		a.hub.SetDropPolicy(p)
	}
	if a.level != nil {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			slog.Warn("agent: ignoring reloaded log level", "level", cfg.Log.Level)
		} else {
			a.level.Set(lvl)
		}
	}
}

// Shutdown stops components in reverse dependency order. The hub spills
// its buffer into the queue before the queue closes. Safe to call twice.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.watcher != nil {
			a.watcher.Stop()
		}
		a.bridge.Stop()
		if err := a.plugins.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop plugins: %w", err))
		}
		event.SetSink(nil)
		if err := a.hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close hub: %w", err))
		}
		if err := a.closeQueue(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		a.shutdownErr = errors.Join(errs...)
		slog.Info("agent: stopped")
	})
	return a.shutdownErr
}

func (a *Agent) closeQueue() error {
	if a.queue == nil {
		return nil
	}
	return a.queue.Close()
}
