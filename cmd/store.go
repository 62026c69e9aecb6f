package main

import (
	"context"

	"github.com/carepath/report-pipeline/internal/store"
)

// openStore opens and migrates the configured store. Callers close it.
func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}
