package resource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"

	"github.com/btt-go/btt-sync/pkg/logging"
)

// Watch 监听资源目录并在文件创建/修改后重载。
// 它是阻塞的，应在 goroutine 中运行；ctx 结束时返回 nil。
// 监听失败后按指数退避重启，连续失败 AlertAfter 次后告警。
func (c *Cache) Watch(ctx context.Context) error {
	policy := c.opts.Restart
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialInterval
	bo.MaxInterval = policy.MaxInterval

	failures := 0
	onStable := func() {
		if failures > 0 {
			logging.Info(subsystem, "watch on %s recovered after %d failures", c.opts.Dir, failures)
		}
		failures = 0
		bo.Reset()
		c.metrics.SetWatchDegraded(false)
	}

	for {
		err := c.watchOnce(ctx, onStable)
		if ctx.Err() != nil {
			return nil
		}

		failures++
		c.metrics.WatchRestarted()
		if failures >= policy.AlertAfter {
			logging.Error(subsystem, err, "watch on %s failed %d times in a row", c.opts.Dir, failures)
			c.metrics.SetWatchDegraded(true)
		} else {
			logging.Warn(subsystem, "watch on %s stopped, restarting: %v", c.opts.Dir, err)
		}

		wait := bo.NextBackOff()
		if wait < 0 {
			wait = policy.MaxInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// watchOnce 一次完整的监听会话，返回即表示监听句柄已失效。
func (c *Cache) watchOnce(ctx context.Context, onStable func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher failed: %w", err)
	}
	defer w.Close()

	if err := w.Add(c.opts.Dir); err != nil {
		return fmt.Errorf("watch %s failed: %w", c.opts.Dir, err)
	}
	logging.Info(subsystem, "watching %s", c.opts.Dir)

	stable := time.NewTimer(c.opts.Restart.StableAfter)
	defer stable.Stop()

	// 防抖：编辑器保存通常会连续产生多个事件
	pending := make(map[string]struct{})
	var debounce *time.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	flush := func() {
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		slices.Sort(paths)
		for _, p := range paths {
			c.reloadFile(ctx, p)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-stable.C:
			onStable()

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !c.isResourceFile(filepath.Base(ev.Name)) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if c.opts.Debounce <= 0 {
				flush()
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(c.opts.Debounce)
			} else {
				debounce.Reset(c.opts.Debounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			flush()

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logging.Warn(subsystem, "event queue overflow on %s, rescanning", c.opts.Dir)
				clear(pending)
				c.reloadAll(ctx)
				continue
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
