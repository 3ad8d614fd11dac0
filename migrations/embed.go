// Package migrations 内置的 PostgreSQL 迁移脚本
package migrations

import "embed"

// FS 按文件名顺序执行的 SQL 迁移
//
//go:embed *.sql
var FS embed.FS
