package app

import (
	"context"
	"fmt"
	"time"

	"reminderd/internal/config"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Purge opens the configured store once and removes items past the grace
// window. It serves the one-shot purge command; the daemon purges on its
// housekeeping schedule instead.
func Purge(ctx context.Context, cfgPath string, log logx.Logger) ([]storage.DueItem, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()
	return store.PurgeExpired(ctx, time.Now())
}
