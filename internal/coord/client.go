// Package coord 在 Redis 上实现层级化的协调存储客户端：
// 节点读写、子树删除、变更事件 Stream、路径锁和临时节点。
package coord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "CoordClient"

// RetryPolicy 建连重试策略，只作用于传输层。
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// Options 客户端配置。
type Options struct {
	Addr         string
	Password     string
	DB           int
	Prefix       string // Redis Key 前缀
	DialTimeout  time.Duration
	Retry        RetryPolicy
	StreamMaxLen int64         // 事件 Stream 近似上限
	EphemeralTTL time.Duration // CreateEphemeral 未指定 TTL 时使用
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "btt-sync:"
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.Retry.InitialInterval <= 0 {
		o.Retry.InitialInterval = time.Second
	}
	if o.Retry.MaxInterval <= 0 {
		o.Retry.MaxInterval = 10 * time.Second
	}
	if o.Retry.MaxTries == 0 {
		o.Retry.MaxTries = 3
	}
	if o.StreamMaxLen <= 0 {
		o.StreamMaxLen = 1000
	}
	if o.EphemeralTTL <= 0 {
		o.EphemeralTTL = 15 * time.Second
	}
}

// Client 协调存储客户端。
// 第一次操作时才建立连接；连接失效后由下一次操作重新建立。
type Client struct {
	opts    Options
	keys    keyspace
	metrics *metrics.Metrics

	mu     sync.RWMutex
	rdb    *redis.Client
	dials  int
	closed bool

	group singleflight.Group
}

// NewClient 创建客户端，不会立即建连。
func NewClient(opts Options, m *metrics.Metrics) *Client {
	opts.setDefaults()
	return &Client{
		opts:    opts,
		keys:    newKeyspace(opts.Prefix),
		metrics: m,
	}
}

// ensureConnected 返回可用连接，必要时同步重建。
// 并发调用共享同一次建连。
func (c *Client) ensureConnected(ctx context.Context) (*redis.Client, error) {
	c.mu.RLock()
	rdb, closed := c.rdb, c.closed
	c.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: client closed", ErrStoreUnavailable)
	}
	if rdb != nil {
		return rdb, nil
	}

	v, err, _ := c.group.Do("connect", func() (any, error) {
		c.mu.RLock()
		existing := c.rdb
		c.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		rdb, err := c.dial(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = rdb.Close()
			return nil, fmt.Errorf("%w: client closed", ErrStoreUnavailable)
		}
		c.rdb = rdb
		c.dials++
		if c.dials > 1 {
			c.metrics.StoreReconnected()
		}
		return rdb, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*redis.Client), nil
}

// dial 按退避策略建连，每次尝试以 PING 确认。
func (c *Client) dial(ctx context.Context) (*redis.Client, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.Retry.InitialInterval
	bo.MaxInterval = c.opts.Retry.MaxInterval

	attempt := 0
	rdb, err := backoff.Retry(ctx, func() (*redis.Client, error) {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:        c.opts.Addr,
			Password:    c.opts.Password,
			DB:          c.opts.DB,
			DialTimeout: c.opts.DialTimeout,
			// 操作层不重试，失败直接交给调用方
			MaxRetries: -1,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			logging.Warn(subsystem, "connect %s attempt %d failed: %v", c.opts.Addr, attempt, err)
			return nil, err
		}
		return rdb, nil
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(c.opts.Retry.MaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %v", ErrStoreUnavailable, c.opts.Addr, err)
	}
	logging.Info(subsystem, "connected to %s", c.opts.Addr)
	return rdb, nil
}

// check 把连接类错误转换为 ErrStoreUnavailable，并让当前连接失效。
func (c *Client) check(rdb *redis.Client, err error) error {
	if err == nil || !isConnError(err) {
		return err
	}
	c.mu.Lock()
	if c.rdb == rdb {
		c.rdb = nil
		_ = rdb.Close()
		logging.Warn(subsystem, "connection to %s lost: %v", c.opts.Addr, err)
	}
	c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func isConnError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, redis.ErrClosed)
}

// Read 读取节点。
func (c *Client) Read(ctx context.Context, p string) (Node, error) {
	p = Clean(p)
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return Node{}, err
	}
	fields, err := rdb.HGetAll(ctx, c.keys.node(p)).Result()
	if err = c.check(rdb, err); err != nil {
		return Node{}, fmt.Errorf("read %s failed: %w", p, err)
	}
	if len(fields) == 0 {
		return Node{}, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return parseNode(p, fields), nil
}

// Exists 判断节点是否存在。
func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	p = Clean(p)
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return false, err
	}
	n, err := rdb.Exists(ctx, c.keys.node(p)).Result()
	if err = c.check(rdb, err); err != nil {
		return false, fmt.Errorf("exists %s failed: %w", p, err)
	}
	return n == 1, nil
}

// Children 返回直接子节点名称（有序）。
// 已过期的临时节点会顺带从集合中清理。
func (c *Client) Children(ctx context.Context, p string) ([]string, error) {
	p = Clean(p)
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	names, err := rdb.SMembers(ctx, c.keys.children(p)).Result()
	if err = c.check(rdb, err); err != nil {
		return nil, fmt.Errorf("children of %s failed: %w", p, err)
	}
	if len(names) == 0 {
		return nil, nil
	}

	pipe := rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.Exists(ctx, c.keys.node(Join(p, name)))
	}
	_, err = pipe.Exec(ctx)
	if err = c.check(rdb, err); err != nil {
		return nil, fmt.Errorf("children of %s failed: %w", p, err)
	}

	live := make([]string, 0, len(names))
	var stale []string
	for i, name := range names {
		if cmds[i].Val() == 1 {
			live = append(live, name)
		} else {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		if _, err := c.prune(ctx, rdb, p, stale); err != nil {
			logging.Warn(subsystem, "prune stale children of %s failed: %v", p, err)
		}
	}
	slices.Sort(live)
	return live, nil
}

// prune 移除 p 下节点已不存在的子节点名称，返回实际移除的数量。
func (c *Client) prune(ctx context.Context, rdb *redis.Client, p string, names []string) (int64, error) {
	keys := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names))
	keys = append(keys, c.keys.children(p))
	for _, name := range names {
		keys = append(keys, c.keys.node(Join(p, name)))
		args = append(args, name)
	}
	n, err := pruneScript.Run(ctx, rdb, keys, args...).Int64()
	return n, c.check(rdb, err)
}

// Write 创建或覆盖节点，缺失的中间节点以持久类型创建。
// 节点已存在时只覆盖数据，类型不变。返回写入后的版本号。
// 临时节点需要续约，只能通过 CreateEphemeral 创建。
func (c *Client) Write(ctx context.Context, p string, data []byte, mode Mode) (int64, error) {
	if mode == ModeEphemeral {
		return 0, fmt.Errorf("%w: %s", ErrEphemeralWrite, Clean(p))
	}
	return c.write(ctx, p, data, mode, 0)
}

func (c *Client) write(ctx context.Context, p string, data []byte, mode Mode, ttl time.Duration) (int64, error) {
	p = Clean(p)
	levels := ancestors(p)
	if len(levels) == 0 {
		return 0, fmt.Errorf("%w: cannot write root", ErrInvalidPath)
	}
	if mode == "" {
		mode = ModePersistent
	}

	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return 0, err
	}

	n := len(levels)
	keys := make([]string, 0, 1+2*n)
	keys = append(keys, c.keys.events())
	for _, lp := range levels {
		keys = append(keys, c.keys.node(lp))
	}
	for _, lp := range levels {
		keys = append(keys, c.keys.children(Parent(lp)))
	}

	args := make([]any, 0, 6+2*n)
	args = append(args,
		n,
		data,
		string(mode),
		ttl.Milliseconds(),
		time.Now().UnixMilli(),
		c.opts.StreamMaxLen,
	)
	for _, lp := range levels {
		args = append(args, Base(lp))
	}
	for _, lp := range levels {
		args = append(args, lp)
	}

	version, err := writeScript.Run(ctx, rdb, keys, args...).Int64()
	if err = c.check(rdb, err); err != nil {
		return 0, fmt.Errorf("write %s failed: %w", p, err)
	}
	logging.Debug(subsystem, "write %s version=%d mode=%s", p, version, mode)
	return version, nil
}

// Delete 删除节点及其整个子树；节点不存在时什么也不做。
func (c *Client) Delete(ctx context.Context, p string) error {
	p = Clean(p)
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	// 广度优先收集子树，之后从最深处开始删除
	order := []string{p}
	for i := 0; i < len(order); i++ {
		names, err := rdb.SMembers(ctx, c.keys.children(order[i])).Result()
		if err = c.check(rdb, err); err != nil {
			return fmt.Errorf("delete %s failed: %w", p, err)
		}
		slices.Sort(names)
		for _, name := range names {
			order = append(order, Join(order[i], name))
		}
	}

	deleted := 0
	for i := len(order) - 1; i >= 0; i-- {
		np := order[i]
		if np == "/" {
			if err := rdb.Del(ctx, c.keys.children(np)).Err(); err != nil {
				return fmt.Errorf("delete %s failed: %w", p, c.check(rdb, err))
			}
			continue
		}
		keys := []string{
			c.keys.events(),
			c.keys.node(np),
			c.keys.children(np),
			c.keys.children(Parent(np)),
		}
		n, err := deleteScript.Run(ctx, rdb, keys, np, Base(np), c.opts.StreamMaxLen).Int64()
		if err = c.check(rdb, err); err != nil {
			return fmt.Errorf("delete %s failed: %w", np, err)
		}
		deleted += int(n)
	}
	if deleted > 0 {
		logging.Debug(subsystem, "delete %s removed %d nodes", p, deleted)
	}
	return nil
}

// LastEventID 返回事件 Stream 当前最后一条消息的 ID，Stream 为空时返回 "0-0"。
func (c *Client) LastEventID(ctx context.Context) (string, error) {
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return "", err
	}
	msgs, err := rdb.XRevRangeN(ctx, c.keys.events(), "+", "-", 1).Result()
	if err = c.check(rdb, err); err != nil {
		return "", fmt.Errorf("read stream tail failed: %w", err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// ReadEvents 读取 after 之后的事件，最多阻塞 block；block <= 0 时不阻塞。
// 没有新事件时返回空切片。
func (c *Client) ReadEvents(ctx context.Context, after string, block time.Duration, count int64) ([]Event, error) {
	rdb, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	if block <= 0 {
		// 负值表示不带 BLOCK 参数
		block = -1
	}
	streams, err := rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{c.keys.events(), after},
		Block:   block,
		Count:   count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err = c.check(rdb, err); err != nil {
		return nil, fmt.Errorf("read events failed: %w", err)
	}

	var events []Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, parseEvent(msg))
		}
	}
	return events, nil
}

// Close 关闭连接，之后的操作都返回 ErrStoreUnavailable。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	logging.Info(subsystem, "connection to %s closed", c.opts.Addr)
	return err
}

func parseNode(p string, fields map[string]string) Node {
	n := Node{
		Path: p,
		Mode: Mode(fields["mode"]),
	}
	if d := fields["data"]; d != "" {
		n.Data = []byte(d)
	}
	n.Version, _ = strconv.ParseInt(fields["version"], 10, 64)
	if ms, err := strconv.ParseInt(fields["ctime"], 10, 64); err == nil {
		n.Ctime = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["mtime"], 10, 64); err == nil {
		n.Mtime = time.UnixMilli(ms)
	}
	if n.Mode == "" {
		n.Mode = ModePersistent
	}
	return n
}

func parseEvent(msg redis.XMessage) Event {
	ev := Event{ID: msg.ID}
	if s, ok := msg.Values["path"].(string); ok {
		ev.Path = s
	}
	if s, ok := msg.Values["kind"].(string); ok {
		ev.Kind = EventKind(s)
	}
	if s, ok := msg.Values["version"].(string); ok {
		ev.Version, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := msg.Values["data"].(string); ok && s != "" {
		ev.Data = []byte(s)
	}
	return ev
}
