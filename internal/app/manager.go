package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/btt-go/btt-sync/internal/config"
	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/fleet"
	"github.com/btt-go/btt-sync/internal/publish"
	"github.com/btt-go/btt-sync/internal/server"
	"github.com/btt-go/btt-sync/pkg/logging"
)

// Manager 配置管理端：发布资源、列出成员、读取远端原始数据。
type Manager struct {
	cfg     config.Config
	store   *coord.Client
	gateway *publish.Gateway
	fleet   *fleet.Fleet
	admin   *server.Server
}

// NewManager 按配置装配管理端。
func NewManager(cfg config.Config, reg *prometheus.Registry) (*Manager, error) {
	if err := cfg.Validate(config.RoleManager); err != nil {
		return nil, fmt.Errorf("invalid manager config: %w", err)
	}
	m := newMetrics(reg)

	store := coord.NewClient(coordOptions(cfg), m)
	gw := publish.New(store, publishOptions(cfg), m)
	f := fleet.New(store, fleetOptions(cfg))

	return &Manager{
		cfg:     cfg,
		store:   store,
		gateway: gw,
		fleet:   f,
		admin:   server.New(cfg.Admin.Addr, server.NewManagerHandler(gw, f, gatherer(reg))),
	}, nil
}

// Gateway 发布网关，CLI 单次发布时直接使用。
func (m *Manager) Gateway() *publish.Gateway {
	return m.gateway
}

// Fleet 成员查询。
func (m *Manager) Fleet() *fleet.Fleet {
	return m.fleet
}

// Run 启动管理接口并阻塞到 ctx 结束。
func (m *Manager) Run(ctx context.Context) error {
	logging.Info(subsystem, "manager started, root %s", m.cfg.Root)
	err := m.admin.Run(ctx)
	shutdown(m.cfg.Shutdown.CloseDelay, func(context.Context) {
		m.Close()
	})
	return err
}

// Close 关闭存储连接。
func (m *Manager) Close() {
	if err := m.store.Close(); err != nil {
		logging.Warn(subsystem, "close store: %v", err)
	}
}
