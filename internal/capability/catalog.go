package capability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Catalog 对应 configs/capabilities.yaml 的结构。
type Catalog struct {
	Capabilities []Descriptor `yaml:"capabilities"`
}

// Toolbox 按名称提供工具实现，目录中的 tool 条目通过它绑定执行体。
type Toolbox map[string]Tool

// ParseCatalog 解析 YAML 格式的能力目录。
func ParseCatalog(content []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("解析能力目录失败: %w", err)
	}
	return catalog, nil
}

// LoadCatalog 读取并解析能力目录文件。
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("读取能力目录失败: %w", err)
	}
	return ParseCatalog(content)
}

// Entries 将目录条目与工具实现绑定。
func (c Catalog) Entries(tools Toolbox) ([]Entry, error) {
	entries := make([]Entry, 0, len(c.Capabilities))
	for _, desc := range c.Capabilities {
		entry := Entry{Descriptor: desc}
		if desc.Kind == "" || desc.Kind == KindTool {
			tool, ok := tools[desc.Name]
			if !ok {
				return nil, fmt.Errorf("能力 %s 没有对应的工具实现", desc.Name)
			}
			entry.Tool = tool
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LoadEntries 读取目录文件并完成工具绑定。
func LoadEntries(path string, tools Toolbox) ([]Entry, error) {
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return catalog.Entries(tools)
}

// Watch 监听目录文件变化并原子替换注册表快照，直到 ctx 取消。
// 解析失败时保留旧快照。
func Watch(ctx context.Context, path string, registry *Registry, tools Toolbox, log *slog.Logger) error {
	if registry == nil {
		return fmt.Errorf("注册表未初始化")
	}
	if log == nil {
		log = registry.logger
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("解析能力目录路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听失败: %w", err)
	}
	defer watcher.Close()

	// 监听所在目录，编辑器以 rename 方式保存时依然能收到事件。
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("监听能力目录失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			entries, err := LoadEntries(target, tools)
			if err != nil {
				log.Warn("能力目录重新加载失败，保留旧快照", slog.Any("error", err))
				continue
			}
			if err := registry.Replace(entries); err != nil {
				log.Warn("能力快照替换失败", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("能力目录监听异常", slog.Any("error", err))
		}
	}
}
