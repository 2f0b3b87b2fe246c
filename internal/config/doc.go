// Package config 负责加载守护进程的 JSON 配置文件，并在缺省时填充默认值。
// 时长字段使用 "30s"、"5m" 形式的字符串，相对路径以配置文件所在目录为基准。
package config
