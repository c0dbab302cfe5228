// Package fleet 维护集群成员：每个节点注册一个临时节点，进程消失后自动移除。
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "Fleet"

// Member 集群成员，序列化格式与已有的注册数据保持一致。
type Member struct {
	Name string `json:"server.name"`
	IP   string `json:"server.ip"`
}

// Store fleet 依赖的存储能力，*coord.Client 实现了它。
type Store interface {
	CreateEphemeral(ctx context.Context, p string, data []byte, ttl time.Duration) (*coord.Ephemeral, error)
	Children(ctx context.Context, p string) ([]string, error)
	Read(ctx context.Context, p string) (coord.Node, error)
}

// Options fleet 配置。
type Options struct {
	Root        string
	ServersPath string
	TTL         time.Duration
}

// Fleet 成员注册与查询。
type Fleet struct {
	store Store
	dir   string
	ttl   time.Duration
}

// New 创建 Fleet，成员节点位于 <Root><ServersPath>/<name>。
func New(store Store, opts Options) *Fleet {
	if opts.ServersPath == "" {
		opts.ServersPath = "/servers"
	}
	return &Fleet{
		store: store,
		dir:   coord.Join(opts.Root, opts.ServersPath),
		ttl:   opts.TTL,
	}
}

// Registration 一次注册，Close 注销。
type Registration struct {
	Member Member
	node   *coord.Ephemeral
}

// Close 注销成员。
func (r *Registration) Close(ctx context.Context) error {
	if err := r.node.Close(ctx); err != nil {
		return fmt.Errorf("deregister %s failed: %w", r.Member.Name, err)
	}
	logging.Info(subsystem, "member %s deregistered", r.Member.Name)
	return nil
}

// Register 以临时节点注册成员。IP 为空时取本机第一个非回环 IPv4 地址。
func (f *Fleet) Register(ctx context.Context, m Member) (*Registration, error) {
	if m.Name == "" {
		return nil, errors.New("member name is required")
	}
	if m.IP == "" {
		m.IP = LocalIP()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	p := coord.Join(f.dir, m.Name)
	node, err := f.store.CreateEphemeral(ctx, p, data, f.ttl)
	if err != nil {
		return nil, fmt.Errorf("register %s failed: %w", m.Name, err)
	}
	logging.Info(subsystem, "member %s (%s) registered at %s", m.Name, m.IP, p)
	return &Registration{Member: m, node: node}, nil
}

// Members 返回当前在线成员，无法解析的节点跳过。
func (f *Fleet) Members(ctx context.Context) ([]Member, error) {
	names, err := f.store.Children(ctx, f.dir)
	if err != nil {
		return nil, fmt.Errorf("list members failed: %w", err)
	}

	members := make([]Member, 0, len(names))
	for _, name := range names {
		n, err := f.store.Read(ctx, coord.Join(f.dir, name))
		if errors.Is(err, coord.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read member %s failed: %w", name, err)
		}
		var m Member
		if err := json.Unmarshal(n.Data, &m); err != nil {
			logging.Warn(subsystem, "skip malformed member %s: %v", name, err)
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// LocalIP 返回本机第一个非回环 IPv4 地址，找不到时返回 127.0.0.1。
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
