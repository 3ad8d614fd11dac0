package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenStdlib 打开 database/sql 连接（pgx 驱动），仅用于执行迁移
func OpenStdlib(dsn string) (*sql.DB, error) {
	if err := validateDSN(dsn); err != nil {
		return nil, err
	}
	return sql.Open("pgx", dsn)
}

// ApplyMigrations 以“按文件名排序”的方式执行 fsys 根目录下的 SQL 迁移。
// 迁移脚本需自身保证幂等（IF NOT EXISTS）。
func ApplyMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	ents, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return err
	}

	var files []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	for _, f := range files {
		b, err := fs.ReadFile(fsys, f)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}
	return nil
}

// ApplyMigrationsFromDir 从本地目录执行迁移
func ApplyMigrationsFromDir(ctx context.Context, db *sql.DB, dir string) error {
	return ApplyMigrations(ctx, db, os.DirFS(dir))
}
