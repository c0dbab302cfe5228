package resource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btt-go/btt-sync/internal/metrics"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestCache(t *testing.T, opts Options) (*Cache, *metrics.Metrics) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.DefaultPrefix == "" {
		opts.DefaultPrefix = "config"
	}
	m := metrics.New(prometheus.NewRegistry())
	c, err := New(opts, m)
	require.NoError(t, err)
	return c, m
}

func TestLoad_PrefixFiltering(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	writeFile(t, c.Dir(), "order.properties", "order.timeout=30\nbilling.rate=5\n")
	writeFile(t, c.Dir(), "notes.txt", "notes.a=1\n")

	require.NoError(t, c.Load(context.Background()))

	assert.Equal(t, map[string]string{"order.timeout": "30"}, c.Map("order"))
	_, err := c.Get("billing.rate")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"order"}, c.Prefixes())
}

func TestLoad_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "config")
	c, _ := newTestCache(t, Options{Dir: dir})

	require.NoError(t, c.Load(context.Background()))
	_, err := os.Stat(dir)
	assert.NoError(t, err)
}

func TestGet_DefaultFallback(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	writeFile(t, c.Dir(), "config.properties", "timeout=5\nbilling.rate=7\nconfig.name=sync\n")
	writeFile(t, c.Dir(), "order.properties", "order.timeout=30\n")
	require.NoError(t, c.Load(context.Background()))

	v, err := c.Get("order.timeout")
	require.NoError(t, err)
	assert.Equal(t, "30", v)

	// billing 没有对应资源，回退到默认资源
	v, err = c.Get("billing.rate")
	require.NoError(t, err)
	assert.Equal(t, "7", v)

	v, err = c.Get("timeout")
	require.NoError(t, err)
	assert.Equal(t, "5", v)

	// order 资源已注册，不回退
	_, err = c.Get("order.missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	writeFile(t, c.Dir(), "order.properties", `order.timeout=30
order.name=checkout
order.interval=1m30s
order.enabled=true
order.hosts=["a","b"]
order.bad=x
`)
	require.NoError(t, c.Load(context.Background()))

	n, err := Lookup[int](c, "order.timeout")
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	s, err := Lookup[string](c, "order.name")
	require.NoError(t, err)
	assert.Equal(t, "checkout", s)

	d, err := Lookup[time.Duration](c, "order.interval")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	b, err := Lookup[bool](c, "order.enabled")
	require.NoError(t, err)
	assert.True(t, b)

	hosts, err := Lookup[[]string](c, "order.hosts")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, hosts)

	_, err = Lookup[int](c, "order.bad")
	assert.Error(t, err)

	_, err = Lookup[int](c, "order.none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReload_BatchDiff(t *testing.T) {
	c, m := newTestCache(t, Options{})
	p := writeFile(t, c.Dir(), "order.properties", "order.timeout=30\n")
	require.NoError(t, c.Load(context.Background()))

	v, err := c.Get("order.timeout")
	require.NoError(t, err)
	assert.Equal(t, "30", v)

	batches := c.SubscribeBatches(4)
	defer batches.Close()
	keys := c.SubscribeKeys(4)
	defer keys.Close()

	ctx := context.Background()

	writeFile(t, c.Dir(), "order.properties", "order.timeout=60\norder.retry=3\n")
	c.reloadFile(ctx, p)
	assert.Equal(t, ChangeSet{"order": {"order.timeout": "60", "order.retry": "3"}}, <-batches.C())
	assert.Equal(t, map[string]string{"order.timeout": "60", "order.retry": "3"}, c.Map("order"))

	writeFile(t, c.Dir(), "order.properties", "order.timeout=60\n")
	c.reloadFile(ctx, p)
	assert.Equal(t, ChangeSet{"order": {"order.retry": ""}}, <-batches.C())
	_, err = c.Get("order.retry")
	assert.ErrorIs(t, err, ErrNotFound)

	// 内容不变时不发送通知
	c.reloadFile(ctx, p)
	select {
	case cs := <-batches.C():
		t.Fatalf("unexpected change set %v", cs)
	default:
	}
	select {
	case kc := <-keys.C():
		t.Fatalf("batch resource emitted key change %v", kc)
	default:
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ResourceReloads.WithLabelValues("order", "changed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResourceReloads.WithLabelValues("order", "unchanged")))
}

func TestReload_ImmediateMode(t *testing.T) {
	c, _ := newTestCache(t, Options{AlwaysImmediate: "flowdefine", ImmediatePattern: "rt_.*"})
	flow := writeFile(t, c.Dir(), "flowdefine.properties", "flowdefine.a=1\nflowdefine.b=2\n")
	rt := writeFile(t, c.Dir(), "rt_order.properties", "rt_order.x=1\n")
	require.NoError(t, c.Load(context.Background()))

	keys := c.SubscribeKeys(8)
	defer keys.Close()
	batches := c.SubscribeBatches(8)
	defer batches.Close()

	ctx := context.Background()
	writeFile(t, c.Dir(), "flowdefine.properties", "flowdefine.a=10\nflowdefine.c=3\n")
	c.reloadFile(ctx, flow)

	assert.Equal(t, KeyChange{Prefix: "flowdefine", Key: "flowdefine.a", Value: "10"}, <-keys.C())
	assert.Equal(t, KeyChange{Prefix: "flowdefine", Key: "flowdefine.c", Value: "3"}, <-keys.C())
	assert.Equal(t, KeyChange{Prefix: "flowdefine", Key: "flowdefine.b", Deleted: true}, <-keys.C())
	assert.Equal(t, map[string]string{"flowdefine.a": "10", "flowdefine.c": "3"}, c.Map("flowdefine"))

	writeFile(t, c.Dir(), "rt_order.properties", "rt_order.x=2\n")
	c.reloadFile(ctx, rt)
	assert.Equal(t, KeyChange{Prefix: "rt_order", Key: "rt_order.x", Value: "2"}, <-keys.C())

	select {
	case cs := <-batches.C():
		t.Fatalf("immediate resource emitted change set %v", cs)
	default:
	}
}

func TestReload_DefaultResourceAcceptsAnyKey(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	p := writeFile(t, c.Dir(), "config.properties", "a=1\n")
	require.NoError(t, c.Load(context.Background()))

	batches := c.SubscribeBatches(1)
	defer batches.Close()

	writeFile(t, c.Dir(), "config.properties", "a=1\nbilling.rate=5\n")
	c.reloadFile(context.Background(), p)

	assert.Equal(t, ChangeSet{"config": {"billing.rate": "5"}}, <-batches.C())
}

func TestReload_RejectsForeignKeys(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	p := writeFile(t, c.Dir(), "order.properties", "order.a=1\n")
	require.NoError(t, c.Load(context.Background()))

	writeFile(t, c.Dir(), "order.properties", "order.a=1\nbilling.rate=5\n")
	c.reloadFile(context.Background(), p)

	assert.Equal(t, map[string]string{"order.a": "1"}, c.Map("order"))
}

func TestReload_MissingFileKeepsCache(t *testing.T) {
	c, _ := newTestCache(t, Options{})
	p := writeFile(t, c.Dir(), "order.properties", "order.a=1\n")
	require.NoError(t, c.Load(context.Background()))

	require.NoError(t, os.Remove(p))
	c.reloadFile(context.Background(), p)

	assert.Equal(t, map[string]string{"order.a": "1"}, c.Map("order"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New(Options{Dir: t.TempDir(), ImmediatePattern: "("}, nil)
	assert.Error(t, err)
}
