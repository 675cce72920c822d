package store

import (
	"context"
	"strings"
)

// Open returns a Store for dsn. DSNs starting with postgres:// or postgresql://
// select PostgresStore; anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresStore(ctx, dsn)
	}
	return NewSQLiteStore(dsn)
}
