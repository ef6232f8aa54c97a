package backends

import (
	"context"
	"fmt"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/backends/memory"
	"github.com/brettbedarf/projectfs/backends/native"
	"github.com/brettbedarf/projectfs/backends/pointertree"
	"github.com/brettbedarf/projectfs/backends/remote"
	"github.com/brettbedarf/projectfs/config"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/store"
	"github.com/brettbedarf/projectfs/store/memstore"
	"github.com/brettbedarf/projectfs/store/miniostore"
	"github.com/brettbedarf/projectfs/store/redisstore"
)

// RegisterBuiltins registers all built-in backends by default
// or only the specific ones if kinds are provided
func RegisterBuiltins(r *Registry, kinds ...projectfs.BackendKind) {
	if len(kinds) == 0 {
		kinds = []projectfs.BackendKind{
			projectfs.BackendMemory,
			projectfs.BackendPointerTree,
			projectfs.BackendNative,
			projectfs.BackendRemote,
		}
	}

	for _, kind := range kinds {
		switch kind {
		case projectfs.BackendMemory:
			r.Register(kind, openMemory)
		case projectfs.BackendPointerTree:
			r.Register(kind, openPointerTree)
		case projectfs.BackendNative:
			r.Register(kind, openNative)
		case projectfs.BackendRemote:
			r.Register(kind, openRemote)
		}
	}
}

func openMemory(_ context.Context, cfg *config.Config) (projectfs.Backend, error) {
	return memory.New(memory.WithRootName(cfg.Name)), nil
}

// OpenStore opens the key-value store selected by cfg.StoreKind.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreKind {
	case config.StoreMemory:
		return memstore.Open(cfg.StoreName), nil
	case config.StoreRedis:
		return redisstore.Open(ctx, cfg.StoreName, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case config.StoreMinio:
		return miniostore.Open(ctx, cfg.StoreName, miniostore.Options{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return nil, fmt.Errorf("unknown store: %q", cfg.StoreKind)
}

func openPointerTree(ctx context.Context, cfg *config.Config) (projectfs.Backend, error) {
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store %q: %w", cfg.StoreKind, cfg.StoreName, err)
	}
	fs, err := pointertree.Open(ctx, s,
		pointertree.WithLockTimeout(cfg.LockTimeoutDuration()),
		pointertree.WithLockRetry(cfg.LockRetryDuration()),
		pointertree.WithLockQueueWarn(cfg.LockQueueWarn),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	logger := util.GetLogger("Backends")
	logger.Info().
		Str("store", cfg.StoreKind).
		Str("name", cfg.StoreName).
		Msg("Opened pointer tree")
	return fs, nil
}

func openNative(_ context.Context, cfg *config.Config) (projectfs.Backend, error) {
	return native.OpenDir(cfg.NativeRoot,
		native.WithPollInterval(cfg.PollIntervalDuration()),
		native.WithLocalWriteSlack(cfg.LocalWriteSlackDuration()),
		native.WithWatchEvents(cfg.WatchEvents),
	)
}

func openRemote(ctx context.Context, cfg *config.Config) (projectfs.Backend, error) {
	return remote.Dial(ctx, cfg.RemoteURL)
}
