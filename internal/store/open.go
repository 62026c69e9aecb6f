package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/carepath/report-pipeline/internal/config"
)

// DefaultSQLitePath is used when the sqlite driver has no database_url.
const DefaultSQLitePath = "report-pipeline.db"

// Open connects to the configured backend and brings its schema up to
// date. The caller closes the returned store.
func Open(ctx context.Context, sc config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch sc.Driver {
	case "sqlite":
		path := sc.DatabaseURL
		if path == "" {
			path = DefaultSQLitePath
		}
		st, err = NewSQLite(path)
	case "postgres":
		st, err = NewPostgres(ctx, sc.DatabaseURL, &PoolConfig{MaxConns: sc.MaxConns, MinConns: sc.MinConns})
	default:
		return nil, eris.Errorf("store: unsupported driver %q", sc.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrapf(err, "store: migrate %s", sc.Driver)
	}
	return st, nil
}
