// Package app 把各组件按进程角色装配起来，并负责有序启动和关闭。
package app

import (
	"github.com/btt-go/btt-sync/internal/config"
	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/fleet"
	"github.com/btt-go/btt-sync/internal/publish"
	"github.com/btt-go/btt-sync/internal/reconcile"
	"github.com/btt-go/btt-sync/internal/resource"
	"github.com/btt-go/btt-sync/internal/watch"
)

func coordOptions(cfg config.Config) coord.Options {
	return coord.Options{
		Addr:        cfg.Store.Addr,
		Password:    cfg.Store.Password,
		DB:          cfg.Store.DB,
		Prefix:      cfg.Store.Prefix,
		DialTimeout: cfg.Store.DialTimeout,
		Retry: coord.RetryPolicy{
			InitialInterval: cfg.Store.Retry.InitialInterval,
			MaxInterval:     cfg.Store.Retry.MaxInterval,
			MaxTries:        cfg.Store.Retry.MaxTries,
		},
		StreamMaxLen: cfg.Store.StreamMaxLen,
		EphemeralTTL: cfg.Node.RegistrationTTL,
	}
}

func resourceOptions(cfg config.Config) resource.Options {
	r := cfg.Resources
	return resource.Options{
		Dir:              r.Dir,
		Suffix:           r.Suffix,
		DefaultPrefix:    r.DefaultPrefix,
		AlwaysImmediate:  r.AlwaysImmediate,
		ImmediatePattern: r.ImmediatePattern,
		Debounce:         r.Debounce,
		Restart: resource.RestartPolicy{
			InitialInterval: r.Restart.InitialInterval,
			MaxInterval:     r.Restart.MaxInterval,
			AlertAfter:      r.Restart.AlertAfter,
			StableAfter:     r.Restart.StableAfter,
		},
	}
}

// watchRoot 节点监听的完整远端路径 <root><listenerPath>。
func watchRoot(cfg config.Config) string {
	return coord.Join(cfg.Root, cfg.ListenerPath())
}

func watchOptions(cfg config.Config) (watch.Options, error) {
	strategy, err := watch.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return watch.Options{}, err
	}
	return watch.Options{
		Root:           watchRoot(cfg),
		Strategy:       strategy,
		ResyncInterval: cfg.Sync.ResyncInterval,
		BlockTimeout:   cfg.Sync.BlockTimeout,
	}, nil
}

func reconcileOptions(cfg config.Config) reconcile.Options {
	return reconcile.Options{
		Root:         watchRoot(cfg),
		BaseDir:      cfg.Sync.LocalDir,
		ApplyInitial: cfg.Sync.ApplyInitial,
	}
}

func publishOptions(cfg config.Config) publish.Options {
	return publish.Options{
		Root:            cfg.Root,
		SourceDir:       cfg.Publish.SourceDir,
		DefaultListener: cfg.Publish.DefaultListener,
		Suffix:          cfg.Resources.Suffix,
		LockTTL:         cfg.Publish.LockTTL,
		LockWait:        cfg.Publish.LockWait,
	}
}

func fleetOptions(cfg config.Config) fleet.Options {
	return fleet.Options{
		Root:        cfg.Root,
		ServersPath: cfg.ServersPath,
		TTL:         cfg.Node.RegistrationTTL,
	}
}
