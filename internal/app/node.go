package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/btt-go/btt-sync/internal/config"
	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/fleet"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/reconcile"
	"github.com/btt-go/btt-sync/internal/resource"
	"github.com/btt-go/btt-sync/internal/server"
	"github.com/btt-go/btt-sync/internal/watch"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "App"

// eventBuffer 适配器到 Reconciler 的订阅缓冲。
const eventBuffer = 256

// Node 运行在每台业务机器上：注册自身，把远端配置落盘，并热加载本地资源。
type Node struct {
	cfg        config.Config
	store      *coord.Client
	cache      *resource.Cache
	adapter    *watch.Adapter
	reconciler *reconcile.Reconciler
	fleet      *fleet.Fleet
	admin      *server.Server
}

// NewNode 按配置装配节点。reg 同时用于注册指标和 /metrics 输出，可以为 nil。
func NewNode(cfg config.Config, reg *prometheus.Registry) (*Node, error) {
	if err := cfg.Validate(config.RoleNode); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	m := newMetrics(reg)

	cache, err := resource.New(resourceOptions(cfg), m)
	if err != nil {
		return nil, err
	}
	wopts, err := watchOptions(cfg)
	if err != nil {
		return nil, err
	}

	store := coord.NewClient(coordOptions(cfg), m)
	adapter := watch.NewAdapter(store, wopts, m)

	return &Node{
		cfg:        cfg,
		store:      store,
		cache:      cache,
		adapter:    adapter,
		reconciler: reconcile.New(reconcileOptions(cfg), m),
		fleet:      fleet.New(store, fleetOptions(cfg)),
		admin:      server.New(cfg.Admin.Addr, server.NewNodeHandler(cache, adapter.Ready(), gatherer(reg))),
	}, nil
}

// Cache 本地资源缓存，供嵌入方读取配置和订阅变更。
func (n *Node) Cache() *resource.Cache {
	return n.cache
}

// Ready 首次回放完成后关闭。
func (n *Node) Ready() <-chan struct{} {
	return n.adapter.Ready()
}

// Run 启动节点并阻塞到 ctx 结束，之后按顺序关闭。
func (n *Node) Run(ctx context.Context) error {
	defer n.closeStore()

	if err := n.cache.Load(ctx); err != nil {
		return fmt.Errorf("load resources: %w", err)
	}

	registration, err := n.fleet.Register(ctx, fleet.Member{Name: n.cfg.Node.Name, IP: n.cfg.Node.IP})
	if err != nil {
		return err
	}

	// 订阅必须先于适配器启动，否则会错过回放事件
	sub := n.adapter.Subscribe(eventBuffer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.cache.Watch(gctx) })
	g.Go(func() error { return n.adapter.Run(gctx) })
	g.Go(func() error { return n.reconciler.Run(gctx, sub) })
	g.Go(func() error { return n.admin.Run(gctx) })

	logging.Info(subsystem, "node %s started, watching %s", n.cfg.Node.Name, watchRoot(n.cfg))
	err = g.Wait()

	shutdown(n.cfg.Shutdown.CloseDelay, func(ctx context.Context) {
		if err := registration.Close(ctx); err != nil {
			logging.Warn(subsystem, "%v", err)
		}
	})
	return err
}

func (n *Node) closeStore() {
	if err := n.store.Close(); err != nil {
		logging.Warn(subsystem, "close store: %v", err)
	}
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	if reg == nil {
		return nil
	}
	return metrics.New(reg)
}

func gatherer(reg *prometheus.Registry) prometheus.Gatherer {
	if reg == nil {
		return nil
	}
	return reg
}
