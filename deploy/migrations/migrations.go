// Package migrations 嵌入 AgentChain 的 MySQL 表结构。
//
// 文件名以版本号开头（0001_task_archive.sql），由 storage/mysql 按版本顺序执行，
// 已执行的版本记录在 schema_migrations 表中。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
