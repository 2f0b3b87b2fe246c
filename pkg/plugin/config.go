package plugin

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ManagerConfig describes how the plugin manager should behave.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  Policy                  `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
	Policy  *Policy        `yaml:"policy"`
}

// Policy 限制插件可以申请的宿主权限。
type Policy struct {
	Allowed []Permission `yaml:"allowed"`
	Denied  []Permission `yaml:"denied"`
}

func (p Policy) empty() bool {
	return len(p.Allowed) == 0 && len(p.Denied) == 0
}

// merge 用 defaults 填补未设置的字段。
func (p *Policy) merge(defaults Policy) Policy {
	if p == nil {
		return defaults
	}
	merged := *p
	if len(merged.Allowed) == 0 {
		merged.Allowed = defaults.Allowed
	}
	if len(merged.Denied) == 0 {
		merged.Denied = defaults.Denied
	}
	return merged
}

// Check 校验插件申请的权限是否满足策略。申请了权限的插件必须配置策略。
func (p Policy) Check(info Info) error {
	if len(info.Permissions) == 0 {
		return nil
	}
	if p.empty() {
		return errors.New("plugins declaring permissions require a policy")
	}
	for _, perm := range info.Permissions {
		if slices.Contains(p.Denied, perm) {
			return fmt.Errorf("permission %s is explicitly denied", perm)
		}
		if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, perm) {
			return fmt.Errorf("permission %s not permitted", perm)
		}
	}
	return nil
}

// ParseManagerConfig 解析 YAML 格式的插件配置。
func ParseManagerConfig(raw []byte) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	return cfg, cfg.Validate()
}

// LoadManagerConfig reads a YAML file into a ManagerConfig.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	if path == "" {
		return ManagerConfig{}, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ManagerConfig{}, fmt.Errorf("read plugin config: %w", err)
	}
	return ParseManagerConfig(raw)
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if plugin.Enabled && plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
