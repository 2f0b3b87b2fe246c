// Package plugin 加载以 Go plugin 形式发布的外部工具，并管理其生命周期。
//
// 插件导出名为 Plugin 的符号，提供一组按名称索引的工具函数；这些工具与内置工具
// 一样由能力目录按名称绑定。
package plugin

import "context"

// Tool 是插件提供的工具函数，入参与返回值均为 JSON 对象。
type Tool func(ctx context.Context, args map[string]any) (map[string]any, error)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Init prepares the plugin for use with its configuration block.
	Init(ctx context.Context, cfg map[string]any) error
	// Tools returns the tools exported by the plugin, keyed by name.
	Tools() map[string]Tool
	// Close releases any resources held by the plugin.
	Close() error
}

// Permission expresses host resources a plugin may request access to.
type Permission string

const (
	PermissionFilesystem Permission = "filesystem"
	PermissionNetwork    Permission = "network"
	PermissionExecution  Permission = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	Permissions []Permission
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateClosed      State = "closed"
)
