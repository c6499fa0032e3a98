package migrations

import "embed"

// Files 暴露历史记录与事件游标的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
