// Package watch 把远端存储的变更 Stream 归一化为统一的 ChangeEvent，
// 支持单节点、整棵子树、直接子节点三种监听粒度。
package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/btt-go/btt-sync/internal/coord"
)

// Kind 事件类型
type Kind string

const (
	KindAdd    Kind = "ADD"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ChangeEvent 归一化后的远端变更。
type ChangeEvent struct {
	Path    string
	Payload []byte
	Version int64 // 同一路径单调不减
	Kind    Kind
	Initial bool // 启动时对已有状态的回放
}

// Strategy 监听粒度
type Strategy string

const (
	StrategyNode     Strategy = "node"     // 仅根节点自身
	StrategySubtree  Strategy = "subtree"  // 根节点及全部后代
	StrategyChildren Strategy = "children" // 仅直接子节点
)

// ParseStrategy 解析监听粒度。
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyNode, StrategySubtree, StrategyChildren:
		return st, nil
	}
	return "", fmt.Errorf("unknown watch strategy %q", s)
}

// Store 适配器依赖的存储能力，*coord.Client 实现了它。
type Store interface {
	Read(ctx context.Context, p string) (coord.Node, error)
	Children(ctx context.Context, p string) ([]string, error)
	LastEventID(ctx context.Context) (string, error)
	ReadEvents(ctx context.Context, after string, block time.Duration, count int64) ([]coord.Event, error)
}

// Options 适配器配置。
type Options struct {
	Root           string
	Strategy       Strategy
	ResyncInterval time.Duration // 反熵检查周期
	BlockTimeout   time.Duration // 单次 Stream 阻塞读取时长
	BatchSize      int64
	RetryMax       time.Duration // Stream 读取失败的最大退避
}

func (o *Options) setDefaults() {
	o.Root = coord.Clean(o.Root)
	if o.Strategy == "" {
		o.Strategy = StrategyChildren
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = time.Minute
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Second
	}
}

func kindOf(k coord.EventKind) (Kind, bool) {
	switch k {
	case coord.EventAdd:
		return KindAdd, true
	case coord.EventUpdate:
		return KindUpdate, true
	case coord.EventDelete:
		return KindDelete, true
	}
	return "", false
}
