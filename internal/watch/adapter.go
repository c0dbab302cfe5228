package watch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/pubsub"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "WatchAdapter"

// Adapter 监听一个根路径下的远端变更并广播 ChangeEvent。
type Adapter struct {
	store   Store
	opts    Options
	metrics *metrics.Metrics
	broker  *pubsub.Broker[ChangeEvent]

	ready     chan struct{}
	readyOnce sync.Once

	// path -> 最近一次投递的版本，只在 Run 所在 goroutine 中访问
	versions map[string]int64
}

// NewAdapter 创建适配器。
func NewAdapter(store Store, opts Options, m *metrics.Metrics) *Adapter {
	opts.setDefaults()
	return &Adapter{
		store:    store,
		opts:     opts,
		metrics:  m,
		broker:   pubsub.NewBroker[ChangeEvent](),
		ready:    make(chan struct{}),
		versions: make(map[string]int64),
	}
}

// Subscribe 订阅事件。需要启动回放的订阅者应在 Run 之前订阅。
func (a *Adapter) Subscribe(buffer int) *pubsub.Subscription[ChangeEvent] {
	return a.broker.Subscribe(buffer)
}

// Ready 启动回放全部投递完成后关闭。
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Run 回放已有状态，然后持续跟踪变更 Stream。
// 它是阻塞的，应在 goroutine 中运行；ctx 结束时返回 nil 并结束所有订阅。
func (a *Adapter) Run(ctx context.Context) error {
	defer a.broker.Close()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = a.opts.RetryMax

	// 1. 先记录 Stream 位置再回放，回放期间的变更随后会从 Stream 中补上。
	// 回放后再记一次位置，两者之间的事件可能已被回放覆盖，但仍需以非回放事件投递。
	var lastID, catchUpID string
	for {
		id, err := a.store.LastEventID(ctx)
		if err == nil {
			err = a.hydrate(ctx)
		}
		if err == nil {
			catchUpID, err = a.store.LastEventID(ctx)
		}
		if err == nil {
			lastID = id
			break
		}
		if ctx.Err() != nil {
			return nil
		}
		logging.Error(subsystem, err, "initial sync of %s failed, retrying", a.opts.Root)
		if !sleep(ctx, bo.NextBackOff()) {
			return nil
		}
	}
	bo.Reset()
	a.readyOnce.Do(func() { close(a.ready) })
	logging.Info(subsystem, "watching %s (%s), %d nodes hydrated", a.opts.Root, a.opts.Strategy, len(a.versions))

	// 2. 定期反熵检查，覆盖 Stream 被裁剪或临时节点过期的情况
	ticker := time.NewTicker(a.opts.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.resync(ctx); err != nil && ctx.Err() == nil {
				logging.Error(subsystem, err, "resync of %s failed", a.opts.Root)
			}
		default:
		}

		events, err := a.store.ReadEvents(ctx, lastID, a.opts.BlockTimeout, a.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.Error(subsystem, err, "read events failed")
			// 退避等待，防止死循环刷日志
			if !sleep(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()

		for _, ev := range events {
			lastID = ev.ID
			catchUp := catchUpID != "" && !streamIDAfter(ev.ID, catchUpID)
			if !catchUp {
				catchUpID = ""
			}
			a.handle(ctx, ev, catchUp)
		}
	}
}

// handle 过滤单条 Stream 事件并投递。
// catchUp 为 true 表示事件发生在回放扫描期间，与回放版本相同时也要投递。
func (a *Adapter) handle(ctx context.Context, ev coord.Event, catchUp bool) {
	if !a.inScope(ev.Path) {
		a.metrics.RemoteEventDropped("out_of_scope")
		return
	}
	kind, ok := kindOf(ev.Kind)
	if !ok {
		logging.Warn(subsystem, "unknown event kind %q on %s", ev.Kind, ev.Path)
		a.metrics.RemoteEventDropped("malformed")
		return
	}

	last, seen := a.versions[ev.Path]
	stale := false
	switch kind {
	case KindAdd, KindUpdate:
		stale = seen && (ev.Version < last || ev.Version == last && !catchUp)
	case KindDelete:
		// 删除事件携带被删节点的最后版本，早于已知版本说明是旧一代节点
		stale = seen && ev.Version < last
	}
	if stale {
		logging.Debug(subsystem, "drop stale %s %s version=%d last=%d", kind, ev.Path, ev.Version, last)
		a.metrics.RemoteEventDropped("stale")
		return
	}

	if kind == KindDelete {
		delete(a.versions, ev.Path)
	} else {
		a.versions[ev.Path] = ev.Version
	}
	a.emit(ctx, ChangeEvent{
		Path:    ev.Path,
		Payload: ev.Data,
		Version: ev.Version,
		Kind:    kind,
	})
}

// inScope 判断路径是否在当前监听粒度内。
func (a *Adapter) inScope(p string) bool {
	root := a.opts.Root
	switch a.opts.Strategy {
	case StrategyNode:
		return p == root
	case StrategySubtree:
		if root == "/" {
			return true
		}
		return p == root || strings.HasPrefix(p, root+"/")
	case StrategyChildren:
		return p != root && coord.Parent(p) == root
	}
	return false
}

func (a *Adapter) emit(ctx context.Context, ev ChangeEvent) {
	a.metrics.RemoteEvent(string(a.opts.Strategy), strings.ToLower(string(ev.Kind)))
	logging.Debug(subsystem, "%s %s version=%d initial=%t", ev.Kind, ev.Path, ev.Version, ev.Initial)
	if err := a.broker.Publish(ctx, ev); err != nil {
		logging.Warn(subsystem, "event %s %s not fully delivered: %v", ev.Kind, ev.Path, err)
	}
}

// streamIDAfter 比较 Stream 条目 ID（<ms>-<seq>），a 晚于 b 时返回 true。
func streamIDAfter(a, b string) bool {
	ams, aseq := splitStreamID(a)
	bms, bseq := splitStreamID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func splitStreamID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d < 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
