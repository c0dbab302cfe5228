// Package publish 把本地编写的配置资源推送到协调存储，或删除远端节点。
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "PublishGateway"

var (
	ErrNotFound       = errors.New("local resource not found")
	ErrUnknownAction  = errors.New("unknown publish action")
	ErrInvalidRequest = errors.New("invalid publish request")
)

// Action 发布动作
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction 解析动作名，"del" 等同于 "delete"。
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add":
		return ActionAdd, nil
	case "update":
		return ActionUpdate, nil
	case "delete", "del":
		return ActionDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Request 一次发布请求，只涉及一个资源。
type Request struct {
	Action       Action
	ResourceName string // 不带后缀时自动补上
	Node         string // 目标监听路径，为空时使用默认监听路径
}

// Store 发布依赖的存储能力，*coord.Client 实现了它。
type Store interface {
	Read(ctx context.Context, p string) (coord.Node, error)
	Write(ctx context.Context, p string, data []byte, mode coord.Mode) (int64, error)
	Delete(ctx context.Context, p string) error
	Lock(ctx context.Context, p string, ttl, wait time.Duration) (*coord.Lock, error)
}

// Options 发布配置。
type Options struct {
	Root            string
	SourceDir       string // 本地资源目录
	DefaultListener string
	Suffix          string
	LockTTL         time.Duration
	LockWait        time.Duration
}

func (o *Options) setDefaults() {
	o.Root = coord.Clean(o.Root)
	if o.DefaultListener == "" {
		o.DefaultListener = "/listener"
	}
	if o.Suffix == "" {
		o.Suffix = ".properties"
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 5 * time.Second
	}
}

// Gateway 发布网关。
type Gateway struct {
	store   Store
	opts    Options
	metrics *metrics.Metrics
}

// New 创建发布网关。
func New(store Store, opts Options, m *metrics.Metrics) *Gateway {
	opts.setDefaults()
	return &Gateway{store: store, opts: opts, metrics: m}
}

// FileName 返回资源对应的文件名。
func (g *Gateway) FileName(resource string) string {
	resource = strings.TrimSpace(resource)
	if resource == "" || strings.HasSuffix(resource, g.opts.Suffix) {
		return resource
	}
	return resource + g.opts.Suffix
}

// RemotePath 返回 <root>/<node>/<fileName>。
func (g *Gateway) RemotePath(node, fileName string) string {
	if strings.TrimSpace(node) == "" {
		node = g.opts.DefaultListener
	}
	return coord.Join(g.opts.Root, node, fileName)
}

// Publish 执行发布。无论成功失败都返回可读的结果描述；
// 失败时不会产生任何远端修改。
func (g *Gateway) Publish(ctx context.Context, req Request) (string, error) {
	msg, err := g.publish(ctx, req)
	result := "success"
	if err != nil {
		result = "failure"
		logging.Error(subsystem, err, "%s %s failed", req.Action, req.ResourceName)
	} else {
		logging.Info(subsystem, "%s", msg)
	}
	g.metrics.Published(string(req.Action), result)
	return msg, err
}

func (g *Gateway) publish(ctx context.Context, req Request) (string, error) {
	fileName := g.FileName(req.ResourceName)
	if fileName == "" || strings.ContainsAny(fileName, `/\`) || fileName == "." || fileName == ".." {
		return fmt.Sprintf("invalid resource name %q", req.ResourceName),
			fmt.Errorf("%w: resource name %q", ErrInvalidRequest, req.ResourceName)
	}
	remote := g.RemotePath(req.Node, fileName)

	switch req.Action {
	case ActionAdd, ActionUpdate:
		local := filepath.Join(g.opts.SourceDir, fileName)
		content, err := os.ReadFile(local)
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Sprintf("%s failed: %s does not exist", req.Action, local),
				fmt.Errorf("%w: %s", ErrNotFound, local)
		}
		if err != nil {
			return fmt.Sprintf("%s failed: cannot read %s", req.Action, local),
				fmt.Errorf("read %s: %w", local, err)
		}

		data, err := coord.ConfigPayload{Content: string(content), FileName: fileName}.Encode()
		if err != nil {
			return fmt.Sprintf("%s failed: cannot encode %s", req.Action, fileName), err
		}

		var version int64
		err = g.withLock(ctx, remote, func() error {
			var err error
			version, err = g.store.Write(ctx, remote, data, coord.ModePersistent)
			return err
		})
		if err != nil {
			return fmt.Sprintf("%s %s failed: %v", req.Action, remote, err), err
		}
		return fmt.Sprintf("%s %s succeeded, version %d", req.Action, remote, version), nil

	case ActionDelete:
		err := g.withLock(ctx, remote, func() error {
			return g.store.Delete(ctx, remote)
		})
		if err != nil {
			return fmt.Sprintf("delete %s failed: %v", remote, err), err
		}
		return fmt.Sprintf("delete %s succeeded", remote), nil
	}

	return fmt.Sprintf("unknown action %q", req.Action), fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
}

// withLock 持有路径锁执行 fn。
func (g *Gateway) withLock(ctx context.Context, p string, fn func() error) error {
	l, err := g.store.Lock(ctx, p, g.opts.LockTTL, g.opts.LockWait)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(ctx); err != nil {
			logging.Warn(subsystem, "release lock on %s: %v", p, err)
		}
	}()
	return fn()
}

// ReadRaw 读取 <root>/<node>/<subpath> 的原始数据。
func (g *Gateway) ReadRaw(ctx context.Context, node, subpath string) (string, error) {
	n, err := g.store.Read(ctx, coord.Join(g.opts.Root, node, subpath))
	if err != nil {
		return "", err
	}
	return string(n.Data), nil
}
