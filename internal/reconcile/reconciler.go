// Package reconcile 把远端变更落到本地文件系统：
// 覆盖或删除前先备份，内容 Hash 相同则跳过。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btt-go/btt-sync/internal/coord"
	"github.com/btt-go/btt-sync/internal/metrics"
	"github.com/btt-go/btt-sync/internal/pubsub"
	"github.com/btt-go/btt-sync/internal/watch"
	"github.com/btt-go/btt-sync/pkg/logging"
)

const subsystem = "Reconciler"

var (
	ErrIO          = errors.New("local file operation failed")
	ErrOutsideRoot = errors.New("path outside sync root")
)

// Outcome 单个事件的处理结果。
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // 覆盖已有文件
	OutcomeCreated   Outcome = "created"   // 新建文件
	OutcomeUnchanged Outcome = "unchanged" // 内容相同，跳过
	OutcomeDeleted   Outcome = "deleted"
	OutcomeAbsent    Outcome = "absent" // 删除时本地文件不存在
	OutcomeIgnored   Outcome = "ignored"
	OutcomeFailed    Outcome = "failed"
)

// Options Reconciler 配置。
type Options struct {
	Root         string // 远端根路径，事件路径去掉它后得到相对路径
	BaseDir      string // 本地基准目录
	ApplyInitial bool   // 是否落盘启动回放事件
	Now          func() time.Time
}

// Reconciler 远端变更落盘。
type Reconciler struct {
	opts    Options
	metrics *metrics.Metrics
}

// New 创建 Reconciler。
func New(opts Options, m *metrics.Metrics) *Reconciler {
	opts.Root = coord.Clean(opts.Root)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{opts: opts, metrics: m}
}

// Run 依次处理订阅中的事件，单个事件失败只记录日志。
// ctx 结束或订阅结束时返回。
func (r *Reconciler) Run(ctx context.Context, sub *pubsub.Subscription[watch.ChangeEvent]) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.C():
			r.handle(ctx, ev)
		case <-sub.Done():
			// 处理完已缓冲的事件
			for {
				select {
				case ev := <-sub.C():
					r.handle(ctx, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev watch.ChangeEvent) {
	if _, err := r.Apply(ctx, ev); err != nil {
		logging.Error(subsystem, err, "%s %s version=%d dropped", ev.Kind, ev.Path, ev.Version)
	}
}

// Apply 处理单个事件。
func (r *Reconciler) Apply(ctx context.Context, ev watch.ChangeEvent) (Outcome, error) {
	outcome, err := r.apply(ev)
	if err != nil {
		outcome = OutcomeFailed
	}
	r.metrics.Reconciled(strings.ToLower(string(ev.Kind)), string(outcome))
	return outcome, err
}

func (r *Reconciler) apply(ev watch.ChangeEvent) (Outcome, error) {
	if ev.Initial && !r.opts.ApplyInitial {
		return OutcomeIgnored, nil
	}

	target, err := r.LocalPath(ev.Path)
	if err != nil {
		return OutcomeFailed, err
	}
	if target == "" {
		return OutcomeIgnored, nil
	}

	switch ev.Kind {
	case watch.KindDelete:
		return r.remove(target)

	case watch.KindAdd, watch.KindUpdate:
		if len(ev.Payload) == 0 {
			// 中间节点没有数据
			return OutcomeIgnored, nil
		}
		payload, err := coord.DecodePayload(ev.Payload)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("decode %s: %w", ev.Path, err)
		}
		return r.write(target, []byte(payload.Content))
	}
	return OutcomeIgnored, fmt.Errorf("unknown event kind %q", ev.Kind)
}

// LocalPath 把远端路径映射为本地文件路径。
// 路径就是根本身时返回空串。
func (r *Reconciler) LocalPath(remote string) (string, error) {
	remote = coord.Clean(remote)
	root := r.opts.Root

	var rel string
	switch {
	case remote == root:
		return "", nil
	case root == "/":
		rel = remote[1:]
	case strings.HasPrefix(remote, root+"/"):
		rel = remote[len(root)+1:]
	default:
		return "", fmt.Errorf("%w: %s not under %s", ErrOutsideRoot, remote, root)
	}

	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, remote)
	}
	return filepath.Join(r.opts.BaseDir, rel), nil
}

// write 新建或覆盖文件。
func (r *Reconciler) write(target string, content []byte) (Outcome, error) {
	oldHash, err := FileHash(target)
	if errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return OutcomeFailed, fmt.Errorf("%w: mkdir %s: %v", ErrIO, filepath.Dir(target), err)
		}
		if err := writeAtomic(target, content); err != nil {
			return OutcomeFailed, err
		}
		logging.Info(subsystem, "%s created", target)
		return OutcomeCreated, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: hash %s: %v", ErrIO, target, err)
	}

	newHash := ContentHash(content)
	if oldHash == newHash {
		logging.Info(subsystem, "%s is unchanged (hash %s), skip", target, short(newHash))
		return OutcomeUnchanged, nil
	}

	if err := r.backup(target); err != nil {
		return OutcomeFailed, err
	}
	if err := writeAtomic(target, content); err != nil {
		return OutcomeFailed, err
	}
	logging.Info(subsystem, "%s updated, hash %s ==> %s", target, short(oldHash), short(newHash))
	return OutcomeApplied, nil
}

// remove 删除文件，存在时先备份。目录只在为空时删除。
func (r *Reconciler) remove(target string) (Outcome, error) {
	info, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		logging.Info(subsystem, "%s does not exist, nothing to delete", target)
		return OutcomeAbsent, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: stat %s: %v", ErrIO, target, err)
	}

	if info.IsDir() {
		// 子节点先于目录删除，目录里通常还留着它们的备份
		entries, err := os.ReadDir(target)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("%w: read dir %s: %v", ErrIO, target, err)
		}
		if len(entries) > 0 {
			logging.Info(subsystem, "%s still holds %d entries, keep directory", target, len(entries))
			return OutcomeIgnored, nil
		}
	} else if err := r.backup(target); err != nil {
		return OutcomeFailed, err
	}
	if err := os.Remove(target); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: remove %s: %v", ErrIO, target, err)
	}
	logging.Info(subsystem, "%s deleted", target)
	return OutcomeDeleted, nil
}

// backup 复制为 <name>.bak<yyyy-MM-dd-HHmmssSSS>。
func (r *Reconciler) backup(target string) error {
	name := BackupName(target, r.opts.Now())
	if err := copyFile(target, name); err != nil {
		return fmt.Errorf("%w: backup %s: %v", ErrIO, target, err)
	}
	r.metrics.BackupCreated()
	logging.Info(subsystem, "backup %s to %s", target, filepath.Base(name))
	return nil
}

// BackupName 返回 target 在 t 时刻的备份文件名。
func BackupName(target string, t time.Time) string {
	return fmt.Sprintf("%s.bak%s%03d", target, t.Format("2006-01-02-150405"), t.Nanosecond()/int(time.Millisecond))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeAtomic 先写临时文件再 rename，读者不会看到写了一半的内容。
func writeAtomic(target string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrIO, target, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrIO, target, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrIO, target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, target, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", ErrIO, target, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("%w: rename %s: %v", ErrIO, target, err)
	}
	return nil
}
