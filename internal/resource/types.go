package resource

import (
	"errors"
	"maps"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound = errors.New("resource key not found")
)

// KeyChange 单个配置项的即时变更通知。
type KeyChange struct {
	Prefix  string // 资源前缀（文件名 . 之前的部分）
	Key     string // 完整 key
	Value   string // 新值，删除时为空串
	Deleted bool
}

// ChangeSet 一次重载累计的批量变更：prefix -> key -> 新值（空串表示删除）。
type ChangeSet map[string]map[string]string

// RestartPolicy 目录监听失败后的重启退避策略。
type RestartPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AlertAfter      int           // 连续失败多少次后告警
	StableAfter     time.Duration // 一次监听存活超过该时长视为恢复，退避重置
}

// Options ResourceCache 配置。
type Options struct {
	Dir              string
	Suffix           string // 资源文件后缀，默认 ".properties"
	DefaultPrefix    string // 默认资源前缀，其 key 不做前缀校验
	AlwaysImmediate  string // 总是逐条通知的资源前缀
	ImmediatePattern string // 正则，完整匹配前缀时逐条通知
	Debounce         time.Duration
	Restart          RestartPolicy
}

func (o *Options) setDefaults() {
	if o.Suffix == "" {
		o.Suffix = ".properties"
	}
	if o.Restart.InitialInterval <= 0 {
		o.Restart.InitialInterval = 500 * time.Millisecond
	}
	if o.Restart.MaxInterval <= 0 {
		o.Restart.MaxInterval = 30 * time.Second
	}
	if o.Restart.AlertAfter <= 0 {
		o.Restart.AlertAfter = 5
	}
	if o.Restart.StableAfter <= 0 {
		o.Restart.StableAfter = 30 * time.Second
	}
}

// entry 单个资源文件的键值快照。写时复制，读无锁。
type entry struct {
	values atomic.Pointer[map[string]string]
}

func newEntry() *entry {
	e := &entry{}
	m := make(map[string]string)
	e.values.Store(&m)
	return e
}

func (e *entry) load() map[string]string {
	return *e.values.Load()
}

func (e *entry) store(m map[string]string) {
	e.values.Store(&m)
}

// set 复制当前快照并写入单个 key，空 value 且 deleted 时删除。
func (e *entry) set(key, value string, deleted bool) {
	next := maps.Clone(e.load())
	if deleted {
		delete(next, key)
	} else {
		next[key] = value
	}
	e.store(next)
}
