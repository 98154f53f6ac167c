package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/congestion-audit/internal/store"
	"github.com/sells-group/congestion-audit/internal/warehouse"
)

// initStore opens the configured run ledger and applies its schema.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// openWarehouse opens the analytical engine with the configured resources.
func openWarehouse(ctx context.Context) (*warehouse.Warehouse, error) {
	return warehouse.Open(ctx, warehouse.Options{
		Path:        cfg.Engine.Path,
		Threads:     cfg.Engine.Threads,
		MemoryLimit: cfg.Engine.MemoryLimit,
	})
}
