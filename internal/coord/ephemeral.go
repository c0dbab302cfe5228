package coord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btt-go/btt-sync/pkg/logging"
)

// Ephemeral 临时节点句柄。
// 后台定期续约 TTL；持有者停止续约（进程退出或断连）后节点自动消失。
type Ephemeral struct {
	c    *Client
	path string
	data []byte
	ttl  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// CreateEphemeral 创建临时节点并启动续约。
func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte, ttl time.Duration) (*Ephemeral, error) {
	if ttl <= 0 {
		ttl = c.opts.EphemeralTTL
	}
	p = Clean(p)
	if _, err := c.write(ctx, p, data, ModeEphemeral, ttl); err != nil {
		return nil, err
	}

	kctx, cancel := context.WithCancel(context.Background())
	e := &Ephemeral{
		c:      c,
		path:   p,
		data:   data,
		ttl:    ttl,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go e.keepalive(kctx)
	return e, nil
}

// Path 节点路径。
func (e *Ephemeral) Path() string {
	return e.path
}

func (e *Ephemeral) keepalive(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.refresh(ctx); err != nil && ctx.Err() == nil {
				logging.Warn(subsystem, "keepalive %s failed: %v", e.path, err)
			}
		}
	}
}

// refresh 续约 TTL，节点已消失时重新创建。
func (e *Ephemeral) refresh(ctx context.Context) error {
	rdb, err := e.c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	ok, err := rdb.PExpire(ctx, e.c.keys.node(e.path), e.ttl).Result()
	if err = e.c.check(rdb, err); err != nil {
		return err
	}
	if ok {
		return nil
	}
	logging.Warn(subsystem, "ephemeral node %s vanished, re-creating", e.path)
	if _, err := e.c.write(ctx, e.path, e.data, ModeEphemeral, e.ttl); err != nil {
		return fmt.Errorf("re-create %s failed: %w", e.path, err)
	}
	return nil
}

// Close 停止续约并删除节点。
func (e *Ephemeral) Close(ctx context.Context) error {
	var err error
	e.once.Do(func() {
		e.cancel()
		<-e.done
		err = e.c.Delete(ctx, e.path)
	})
	return err
}
