package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/btt-go/btt-sync/pkg/logging"
)

var errLockHeld = errors.New("lock held by another owner")

// Lock 路径级互斥锁。持有者以随机 token 标识，TTL 到期自动释放。
type Lock struct {
	c     *Client
	path  string
	key   string
	token string
}

// Lock 获取 p 上的锁，在 wait 时间内按退避重试；wait 为 0 时只尝试一次。
// 超时返回 ErrLockTimeout。
func (c *Client) Lock(ctx context.Context, p string, ttl, wait time.Duration) (*Lock, error) {
	p = Clean(p)
	l := &Lock{
		c:     c,
		path:  p,
		key:   c.keys.lock(p),
		token: uuid.NewString(),
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	opts := []backoff.RetryOption{backoff.WithBackOff(bo)}
	if wait > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(wait))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		rdb, err := c.ensureConnected(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		ok, err := rdb.SetNX(ctx, l.key, l.token, ttl).Result()
		if err = c.check(rdb, err); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errLockHeld
		}
		return struct{}{}, nil
	}, opts...)
	if errors.Is(err, errLockHeld) {
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, p)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s failed: %w", p, err)
	}
	logging.Debug(subsystem, "lock %s acquired", p)
	return l, nil
}

// Unlock 释放锁。锁已过期或被他人持有时返回 ErrLockNotHeld。
func (l *Lock) Unlock(ctx context.Context) error {
	rdb, err := l.c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	n, err := unlockScript.Run(ctx, rdb, []string{l.key}, l.token).Int64()
	if err = l.c.check(rdb, err); err != nil {
		return fmt.Errorf("unlock %s failed: %w", l.path, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.path)
	}
	logging.Debug(subsystem, "lock %s released", l.path)
	return nil
}
