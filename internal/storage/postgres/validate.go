package postgres

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// validateDSN 校验 POSTGRES_DSN，接受 URI 与 key=value 两种写法，必须显式给出 host
func validateDSN(dsn string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("POSTGRES_DSN is empty")
	}

	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return fmt.Errorf("POSTGRES_DSN is not a valid URI: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("POSTGRES_DSN scheme must be postgres:// or postgresql:// (got %q)", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("POSTGRES_DSN missing host")
		}
	} else if !hasKeyword(dsn, "host") {
		return errors.New("POSTGRES_DSN missing host")
	}

	// 交给 pgx 做完整解析，不建立连接
	if _, err := pgconn.ParseConfig(dsn); err != nil {
		return fmt.Errorf("parse POSTGRES_DSN: %w", err)
	}
	return nil
}

// hasKeyword key=value 形式中是否包含非空的 key
func hasKeyword(dsn, key string) bool {
	for _, field := range strings.Fields(dsn) {
		k, v, ok := strings.Cut(field, "=")
		if ok && strings.TrimSpace(k) == key && strings.Trim(v, `'`) != "" {
			return true
		}
	}
	return false
}
