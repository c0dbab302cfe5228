package watch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/pubsub"
)

func newStore(t *testing.T) (*coord.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := coord.NewClient(coord.Options{Addr: mr.Addr()}, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func write(t *testing.T, c *coord.Client, p, data string) {
	t.Helper()
	_, err := c.Write(context.Background(), p, []byte(data), coord.ModePersistent)
	require.NoError(t, err)
}

// startAdapter 订阅后启动适配器并等待回放完成。
func startAdapter(t *testing.T, a *Adapter) *pubsub.Subscription[ChangeEvent] {
	t.Helper()
	sub := a.Subscribe(64)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		sub.Close()
	})

	select {
	case <-a.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("adapter not ready")
	}
	return sub
}

func next(t *testing.T, sub *pubsub.Subscription[ChangeEvent]) ChangeEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
		return ChangeEvent{}
	}
}

func assertNoEvent(t *testing.T, sub *pubsub.Subscription[ChangeEvent]) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func testOptions(strategy Strategy) Options {
	return Options{
		Root:         "/config-center/listener",
		Strategy:     strategy,
		BlockTimeout: 20 * time.Millisecond,
	}
}

func TestChildrenStrategy(t *testing.T) {
	c, _ := newStore(t)
	write(t, c, "/config-center/listener/order.properties", "v0")

	m := metrics.New(prometheus.NewRegistry())
	a := NewAdapter(c, testOptions(StrategyChildren), m)
	sub := startAdapter(t, a)

	// 启动回放
	ev := next(t, sub)
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener/order.properties", Payload: []byte("v0"), Version: 0, Kind: KindAdd, Initial: true}, ev)

	write(t, c, "/config-center/listener/billing.properties", "b0")
	ev = next(t, sub)
	assert.Equal(t, KindAdd, ev.Kind)
	assert.Equal(t, "/config-center/listener/billing.properties", ev.Path)
	assert.False(t, ev.Initial)

	write(t, c, "/config-center/listener/order.properties", "v1")
	ev = next(t, sub)
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener/order.properties", Payload: []byte("v1"), Version: 1, Kind: KindUpdate}, ev)

	// 更深层和根节点本身都不在范围内
	write(t, c, "/config-center/listener/sub/deep.properties", "d")
	write(t, c, "/config-center/listener", "root")
	write(t, c, "/config-center/other/x.properties", "x")
	ev = next(t, sub)
	assert.Equal(t, "/config-center/listener/sub", ev.Path)
	assertNoEvent(t, sub)

	require.NoError(t, c.Delete(context.Background(), "/config-center/listener/order.properties"))
	ev = next(t, sub)
	assert.Equal(t, KindDelete, ev.Kind)
	assert.Equal(t, "/config-center/listener/order.properties", ev.Path)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteEvents.WithLabelValues("children", "update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteEvents.WithLabelValues("children", "delete")))
}

func TestNodeStrategy(t *testing.T) {
	c, _ := newStore(t)
	a := NewAdapter(c, testOptions(StrategyNode), nil)
	sub := startAdapter(t, a)

	write(t, c, "/config-center/listener/order.properties", "v0")
	// 中间节点 /config-center/listener 被创建
	ev := next(t, sub)
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener", Version: 0, Kind: KindAdd}, ev)
	assertNoEvent(t, sub)

	write(t, c, "/config-center/listener", "data")
	ev = next(t, sub)
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener", Payload: []byte("data"), Version: 1, Kind: KindUpdate}, ev)
}

func TestSubtreeStrategy(t *testing.T) {
	c, _ := newStore(t)
	write(t, c, "/config-center/listener/a/b.properties", "b")

	a := NewAdapter(c, testOptions(StrategySubtree), nil)
	sub := startAdapter(t, a)

	var initial []string
	for range 3 {
		ev := next(t, sub)
		assert.True(t, ev.Initial)
		initial = append(initial, ev.Path)
	}
	assert.Equal(t, []string{
		"/config-center/listener",
		"/config-center/listener/a",
		"/config-center/listener/a/b.properties",
	}, initial)

	write(t, c, "/config-center/listener/a/b.properties", "b1")
	ev := next(t, sub)
	assert.Equal(t, KindUpdate, ev.Kind)

	// 前缀相同的兄弟节点不属于子树
	write(t, c, "/config-center/listener-2/x", "x")
	assertNoEvent(t, sub)

	require.NoError(t, c.Delete(context.Background(), "/config-center/listener/a"))
	assert.Equal(t, "/config-center/listener/a/b.properties", next(t, sub).Path)
	assert.Equal(t, "/config-center/listener/a", next(t, sub).Path)
}

func TestHandle_DropsStaleVersions(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := NewAdapter(nil, testOptions(StrategyChildren), m)
	sub := a.Subscribe(8)
	defer sub.Close()
	ctx := context.Background()
	p := "/config-center/listener/order.properties"

	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventAdd, Version: 0, Data: []byte("v0")}, false)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 2, Data: []byte("v2")}, false)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 1, Data: []byte("v1")}, false)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 2, Data: []byte("v2")}, false)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventDelete, Version: 1}, false)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventDelete, Version: 2}, false)
	// 删除后重新创建，版本从 0 开始
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventAdd, Version: 0, Data: []byte("n0")}, false)

	var got []string
	for range 4 {
		ev := <-sub.C()
		got = append(got, string(ev.Kind)+":"+string(ev.Payload))
	}
	assert.Equal(t, []string{"ADD:v0", "UPDATE:v2", "DELETE:", "ADD:n0"}, got)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RemoteEventsDropped.WithLabelValues("stale")))
}

// racingStore 在第一次记录 Stream 位置之后、扫描开始之前触发一次写入。
type racingStore struct {
	*coord.Client
	once   sync.Once
	onTail func()
}

func (s *racingStore) LastEventID(ctx context.Context) (string, error) {
	id, err := s.Client.LastEventID(ctx)
	s.once.Do(s.onTail)
	return id, err
}

func TestRun_WriteDuringHydrationIsDelivered(t *testing.T) {
	c, _ := newStore(t)
	p := "/config-center/listener/order.properties"
	write(t, c, p, "v0")

	store := &racingStore{Client: c, onTail: func() {
		_, err := c.Write(context.Background(), p, []byte("v1"), coord.ModePersistent)
		assert.NoError(t, err)
	}}
	a := NewAdapter(store, testOptions(StrategyChildren), nil)
	sub := startAdapter(t, a)

	ev := next(t, sub)
	assert.Equal(t, KindAdd, ev.Kind)
	assert.True(t, ev.Initial)
	assert.Equal(t, int64(1), ev.Version)
	assert.Equal(t, "v1", string(ev.Payload))

	// 扫描期间的写入已体现在回放中，但仍以普通事件补发一次
	ev = next(t, sub)
	assert.Equal(t, KindUpdate, ev.Kind)
	assert.False(t, ev.Initial)
	assert.Equal(t, int64(1), ev.Version)
	assert.Equal(t, "v1", string(ev.Payload))
	assertNoEvent(t, sub)

	// 之后的事件恢复正常的版本去重
	write(t, c, p, "v2")
	ev = next(t, sub)
	assert.Equal(t, int64(2), ev.Version)
	assert.False(t, ev.Initial)
}

func TestHandle_CatchUpDeliversHydratedVersion(t *testing.T) {
	a := NewAdapter(nil, testOptions(StrategyChildren), nil)
	sub := a.Subscribe(8)
	defer sub.Close()
	ctx := context.Background()
	p := "/config-center/listener/order.properties"
	a.versions[p] = 3

	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 2, Data: []byte("v2")}, true)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 3, Data: []byte("v3")}, true)
	a.handle(ctx, coord.Event{Path: p, Kind: coord.EventUpdate, Version: 3, Data: []byte("v3")}, false)

	assert.Equal(t, "v3", string(next(t, sub).Payload))
	assertNoEvent(t, sub)
}

func TestStreamIDAfter(t *testing.T) {
	assert.True(t, streamIDAfter("1700000000001-0", "1700000000000-5"))
	assert.True(t, streamIDAfter("1700000000000-10", "1700000000000-9"))
	assert.False(t, streamIDAfter("1700000000000-9", "1700000000000-9"))
	assert.False(t, streamIDAfter("0-0", "1700000000000-0"))
}

func TestResync_EmitsMissedChanges(t *testing.T) {
	c, mr := newStore(t)
	write(t, c, "/config-center/listener/a", "a0")
	write(t, c, "/config-center/listener/b", "b0")

	a := NewAdapter(c, testOptions(StrategyChildren), nil)
	sub := a.Subscribe(16)
	defer sub.Close()
	ctx := context.Background()

	require.NoError(t, a.hydrate(ctx))
	assert.True(t, next(t, sub).Initial)
	assert.True(t, next(t, sub).Initial)

	// 不经过 Stream 的变化：节点过期消失、新节点、数据被覆盖
	mr.Del("btt-sync:node:/config-center/listener/a")
	write(t, c, "/config-center/listener/b", "b1")
	write(t, c, "/config-center/listener/c", "c0")

	require.NoError(t, a.resync(ctx))
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener/b", Payload: []byte("b1"), Version: 1, Kind: KindUpdate}, next(t, sub))
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener/c", Payload: []byte("c0"), Version: 0, Kind: KindAdd}, next(t, sub))
	assert.Equal(t, ChangeEvent{Path: "/config-center/listener/a", Version: 0, Kind: KindDelete}, next(t, sub))

	// 没有差异时不发事件
	require.NoError(t, a.resync(ctx))
	assertNoEvent(t, sub)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("subtree")
	require.NoError(t, err)
	assert.Equal(t, StrategySubtree, s)

	_, err = ParseStrategy("tree")
	assert.Error(t, err)
}
