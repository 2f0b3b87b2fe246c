package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"AgentChain/pkg/logger"
)

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithLogger 设置插件管理日志。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	registry map[string]*instance
	loader   Loader
	defaults Policy
	log      *slog.Logger
}

type instance struct {
	mu     sync.Mutex
	plugin Plugin
	info   Info
	state  State
	config map[string]any
}

// NewManager constructs a manager and loads every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry: make(map[string]*instance),
		loader:   GoPluginLoader{},
		defaults: cfg.Defaults,
		log:      logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy *Policy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	info.ID = id
	if err := policy.merge(m.defaults).Check(info); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{plugin: p, info: info, state: StateRegistered, config: cloneConfig(cfg)}
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id, path string, cfg map[string]any, policy *Policy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// InitAll 初始化所有尚未初始化的插件。
func (m *Manager) InitAll(ctx context.Context) error {
	for _, id := range m.IDs() {
		inst, err := m.get(id)
		if err != nil {
			return err
		}
		inst.mu.Lock()
		if inst.state == StateRegistered {
			if err := inst.plugin.Init(ctx, cloneConfig(inst.config)); err != nil {
				inst.mu.Unlock()
				return fmt.Errorf("initialise plugin %s: %w", id, err)
			}
			inst.state = StateInitialised
			m.log.Info("插件已初始化", slog.String("plugin", id), slog.String("version", inst.info.Version))
		}
		inst.mu.Unlock()
	}
	return nil
}

// Tools 汇总已初始化插件导出的工具，不同插件导出同名工具时报错。
func (m *Manager) Tools() (map[string]Tool, error) {
	out := make(map[string]Tool)
	owners := make(map[string]string)
	for _, id := range m.IDs() {
		inst, err := m.get(id)
		if err != nil {
			return nil, err
		}
		inst.mu.Lock()
		state := inst.state
		tools := inst.plugin.Tools()
		inst.mu.Unlock()
		if state != StateInitialised {
			continue
		}
		for name, tool := range tools {
			if owner, dup := owners[name]; dup {
				return nil, fmt.Errorf("tool %s exported by both %s and %s", name, owner, id)
			}
			owners[name] = id
			out[name] = tool
		}
	}
	return out, nil
}

// Close 关闭所有插件并汇总错误。
func (m *Manager) Close() error {
	var errs []error
	for _, id := range m.IDs() {
		inst, err := m.get(id)
		if err != nil {
			continue
		}
		inst.mu.Lock()
		if inst.state != StateClosed {
			if err := inst.plugin.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close plugin %s: %w", id, err))
			}
			inst.state = StateClosed
		}
		inst.mu.Unlock()
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// IDs 按名称排序返回已注册的插件。
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for id, pluginCfg := range cfg.Plugins {
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		if err := m.Load(id, path, pluginCfg.Config, pluginCfg.Policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneConfig(cfg map[string]any) map[string]any {
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
