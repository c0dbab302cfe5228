package coord

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound         = errors.New("node not found")
	ErrStoreUnavailable = errors.New("coordination store unavailable")
	ErrMalformedPayload = errors.New("malformed config payload")
	ErrLockTimeout      = errors.New("lock acquisition timed out")
	ErrLockNotHeld      = errors.New("lock not held")
	ErrInvalidPath      = errors.New("invalid node path")
	ErrEphemeralWrite   = errors.New("ephemeral node requires CreateEphemeral")
)

// Mode 节点类型
type Mode string

const (
	ModePersistent Mode = "persistent"
	ModeEphemeral  Mode = "ephemeral" // 随持有者的会话消失
)

// Node 远端存储的一个节点。
type Node struct {
	Path    string
	Data    []byte
	Version int64 // 创建时为 0，每次覆盖 +1
	Mode    Mode
	Ctime   time.Time
	Mtime   time.Time
}

// EventKind Stream 事件类型
type EventKind string

const (
	EventAdd    EventKind = "add"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event 变更 Stream 中的一条记录。
type Event struct {
	ID      string // Stream 消息 ID
	Path    string
	Kind    EventKind
	Version int64
	Data    []byte // 删除事件为空
}

// ConfigPayload 配置节点的载荷格式。
type ConfigPayload struct {
	Content  string `json:"content"`
	FileName string `json:"fileName"`
}

// Encode 序列化为节点数据。
func (p ConfigPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload 解析节点数据，失败时返回 ErrMalformedPayload。
func DecodePayload(data []byte) (ConfigPayload, error) {
	var p ConfigPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ConfigPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return p, nil
}
