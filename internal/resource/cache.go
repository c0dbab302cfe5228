package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/pubsub"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "ResourceCache"

// Cache 本地 key=value 资源缓存。
// 读取（Get/Lookup/Map）可以在任意 goroutine 并发进行；
// 写入只发生在 Load 和监听触发的重载中。
type Cache struct {
	opts      Options
	immediate *regexp.Regexp
	metrics   *metrics.Metrics

	// prefix -> *entry
	resources sync.Map

	// 串行化 Load 和重载
	reloadMu sync.Mutex

	keys    *pubsub.Broker[KeyChange]
	batches *pubsub.Broker[ChangeSet]
}

// New 创建缓存，不访问文件系统。
func New(opts Options, m *metrics.Metrics) (*Cache, error) {
	opts.setDefaults()

	c := &Cache{
		opts:    opts,
		metrics: m,
		keys:    pubsub.NewBroker[KeyChange](),
		batches: pubsub.NewBroker[ChangeSet](),
	}
	if opts.ImmediatePattern != "" {
		re, err := regexp.Compile("^(?:" + opts.ImmediatePattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid immediate pattern %q: %w", opts.ImmediatePattern, err)
		}
		c.immediate = re
	}
	return c, nil
}

// SubscribeKeys 订阅逐条变更通知。
func (c *Cache) SubscribeKeys(buffer int) *pubsub.Subscription[KeyChange] {
	return c.keys.Subscribe(buffer)
}

// SubscribeBatches 订阅批量变更通知。
func (c *Cache) SubscribeBatches(buffer int) *pubsub.Subscription[ChangeSet] {
	return c.batches.Subscribe(buffer)
}

// Dir 返回监听目录。
func (c *Cache) Dir() string {
	return c.opts.Dir
}

// Load 扫描目录下所有资源文件并填充缓存，不发送通知。
// 单个文件解析失败只记录日志。
func (c *Cache) Load(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	if err := os.MkdirAll(c.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create resource dir failed: %w", err)
	}
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		return fmt.Errorf("read resource dir failed: %w", err)
	}

	for _, de := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if de.IsDir() || !c.isResourceFile(de.Name()) {
			continue
		}
		path := filepath.Join(c.opts.Dir, de.Name())
		prefix := prefixOf(de.Name())

		logging.Info(subsystem, "load %s begin", path)
		parsed, err := readProperties(path)
		if err != nil {
			logging.Error(subsystem, err, "load %s failed", path)
			c.metrics.ResourceReloaded(prefix, "failed")
			continue
		}

		values := make(map[string]string, len(parsed))
		for _, key := range slices.Sorted(maps.Keys(parsed)) {
			value := parsed[key]
			if !c.accepts(prefix, key) {
				logging.Error(subsystem, nil, "%s property [%s=%s] cannot be cached, because the key prefix does not match the file name", de.Name(), key, value)
				continue
			}
			values[key] = value
			logging.Debug(subsystem, "%s add property [%s=%s]", de.Name(), key, value)
		}
		c.entryFor(prefix).store(values)
		logging.Info(subsystem, "load %s end, %d keys", path, len(values))
	}
	return nil
}

// Get 按 key 读取值：前缀为第一个 '.' 之前的部分；
// 前缀下没有注册资源时回退到默认资源。
func (c *Cache) Get(key string) (string, error) {
	prefix, _, _ := strings.Cut(key, ".")
	e, ok := c.lookup(prefix)
	if !ok {
		e, ok = c.lookup(c.opts.DefaultPrefix)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	v, ok := e.load()[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Map 返回某个资源的键值副本，资源不存在时返回 nil。
func (c *Cache) Map(prefix string) map[string]string {
	e, ok := c.lookup(prefix)
	if !ok {
		return nil
	}
	return maps.Clone(e.load())
}

// Prefixes 返回已注册的资源前缀（有序）。
func (c *Cache) Prefixes() []string {
	var out []string
	c.resources.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	slices.Sort(out)
	return out
}

// Lookup 读取并解码配置值。T 为 string 时原样返回，
// time.Duration 按 Go duration 语法解析，其它类型按 JSON 解码。
func Lookup[T any](c *Cache, key string) (T, error) {
	var zero T

	raw, err := c.Get(key)
	if err != nil {
		return zero, err
	}
	if s, ok := any(raw).(T); ok {
		return s, nil
	}

	var val T
	if d, ok := any(&val).(*time.Duration); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return zero, fmt.Errorf("decode %s failed: %w", key, err)
		}
		*d = parsed
		return val, nil
	}
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		return zero, fmt.Errorf("decode %s failed: %w", key, err)
	}
	return val, nil
}

// reloadFile 重新解析单个资源文件，与缓存比对并发出通知。
func (c *Cache) reloadFile(ctx context.Context, path string) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	name := filepath.Base(path)
	prefix := prefixOf(name)
	logging.Info(subsystem, "reload %s begin", name)
	defer logging.Info(subsystem, "reload %s end", name)

	parsed, err := readProperties(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Warn(subsystem, "%s disappeared before reload, keeping cached values", name)
			return
		}
		logging.Error(subsystem, err, "reload %s failed", name)
		c.metrics.ResourceReloaded(prefix, "failed")
		return
	}

	immediate := c.eachChangeNotify(prefix)
	e := c.entryFor(prefix)
	old := e.load()
	next := maps.Clone(old)
	changed := make(map[string]string)

	record := func(key, value string, deleted bool) {
		if immediate {
			e.set(key, value, deleted)
			c.publishKey(ctx, KeyChange{Prefix: prefix, Key: key, Value: value, Deleted: deleted})
			return
		}
		changed[key] = value
	}

	for _, key := range slices.Sorted(maps.Keys(parsed)) {
		value := parsed[key]
		if oldValue, ok := old[key]; ok {
			if oldValue != value {
				logging.Info(subsystem, "%s [%s] value changed [%s]==>[%s]", name, key, oldValue, value)
				next[key] = value
				record(key, value, false)
			}
			continue
		}
		if !c.accepts(prefix, key) {
			logging.Error(subsystem, nil, "%s property [%s=%s] cannot be cached, because the key prefix does not match the file name", name, key, value)
			continue
		}
		logging.Info(subsystem, "%s add property [%s=%s]", name, key, value)
		next[key] = value
		record(key, value, false)
	}

	for _, key := range slices.Sorted(maps.Keys(old)) {
		if _, ok := parsed[key]; ok {
			continue
		}
		logging.Info(subsystem, "%s property [%s] is deleted", name, key)
		delete(next, key)
		record(key, "", true)
	}

	if immediate {
		if maps.Equal(old, next) {
			logging.Info(subsystem, "%s nothing is changed", name)
			c.metrics.ResourceReloaded(prefix, "unchanged")
		} else {
			c.metrics.ResourceReloaded(prefix, "changed")
		}
		return
	}

	if len(changed) == 0 {
		logging.Info(subsystem, "%s nothing is changed", name)
		c.metrics.ResourceReloaded(prefix, "unchanged")
		return
	}
	e.store(next)
	c.metrics.ResourceReloaded(prefix, "changed")
	if err := c.batches.Publish(ctx, ChangeSet{prefix: changed}); err != nil {
		logging.Warn(subsystem, "change set for %s not fully delivered: %v", prefix, err)
	}
}

// reloadAll 重新加载目录下全部资源文件，事件溢出后使用。
func (c *Cache) reloadAll(ctx context.Context) {
	entries, err := os.ReadDir(c.opts.Dir)
	if err != nil {
		logging.Error(subsystem, err, "rescan %s failed", c.opts.Dir)
		return
	}
	for _, de := range entries {
		if !de.IsDir() && c.isResourceFile(de.Name()) {
			c.reloadFile(ctx, filepath.Join(c.opts.Dir, de.Name()))
		}
	}
}

func (c *Cache) publishKey(ctx context.Context, kc KeyChange) {
	if err := c.keys.Publish(ctx, kc); err != nil {
		logging.Warn(subsystem, "key change %s not fully delivered: %v", kc.Key, err)
	}
}

// eachChangeNotify 判断该资源是否逐条通知。
func (c *Cache) eachChangeNotify(prefix string) bool {
	if c.opts.AlwaysImmediate != "" && prefix == c.opts.AlwaysImmediate {
		return true
	}
	return c.immediate != nil && c.immediate.MatchString(prefix)
}

// accepts 非默认资源的 key 必须以 "<prefix>." 开头。
func (c *Cache) accepts(prefix, key string) bool {
	if c.opts.DefaultPrefix != "" && prefix == c.opts.DefaultPrefix {
		return true
	}
	return strings.HasPrefix(key, prefix+".")
}

func (c *Cache) isResourceFile(name string) bool {
	return strings.HasSuffix(name, c.opts.Suffix) && prefixOf(name) != ""
}

func (c *Cache) lookup(prefix string) (*entry, bool) {
	v, ok := c.resources.Load(prefix)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (c *Cache) entryFor(prefix string) *entry {
	v, _ := c.resources.LoadOrStore(prefix, newEntry())
	return v.(*entry)
}

// prefixOf 文件名第一个 '.' 之前的部分。
func prefixOf(fileName string) string {
	prefix, _, _ := strings.Cut(fileName, ".")
	return prefix
}

func readProperties(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseProperties(f)
}
