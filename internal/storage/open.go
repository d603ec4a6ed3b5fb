package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "medremind/pkg/logx"
)

// Open initializes the configured store and applies the embedded schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  *sqlStore
		err error
	)
	switch driver {
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.migrate(mctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Debug("storage opened", logx.String("driver", driver))
	return st, nil
}
