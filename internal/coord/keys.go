package coord

import (
	"path"
	"strings"
)

// Key 后缀定义
const (
	suffixNode     = "node:"     // 节点数据 Hash
	suffixChildren = "children:" // 子节点名称 Set
	suffixLock     = "lock:"     // 路径锁
	suffixEvents   = "events"    // 变更事件 Stream
)

// keyspace 负责把节点路径映射为 Redis Key。
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if len(prefix) > 0 && prefix[len(prefix)-1] != ':' {
		prefix += ":"
	}
	return keyspace{prefix: prefix}
}

// node 返回节点 Hash 的 Key，字段 data/version/mode/ctime/mtime。
func (k keyspace) node(p string) string {
	return k.prefix + suffixNode + p
}

// children 返回子节点集合的 Key，成员为子节点名称。
func (k keyspace) children(p string) string {
	return k.prefix + suffixChildren + p
}

func (k keyspace) lock(p string) string {
	return k.prefix + suffixLock + p
}

// events 返回变更事件 Stream 的 Key。
func (k keyspace) events() string {
	return k.prefix + suffixEvents
}

// Clean 规范化节点路径：以 / 开头，无结尾 /，无空段。
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Join 拼接路径片段并规范化。
func Join(elem ...string) string {
	return Clean(strings.Join(elem, "/"))
}

// Parent 返回父路径，根的父路径仍是根。
func Parent(p string) string {
	return path.Dir(Clean(p))
}

// Base 返回路径最后一段。
func Base(p string) string {
	return path.Base(Clean(p))
}

// ancestors 返回从第一层到 p 本身的所有路径，不含根。
// "/a/b/c" -> ["/a", "/a/b", "/a/b/c"]
func ancestors(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	segs := strings.Split(p[1:], "/")
	out := make([]string, len(segs))
	cur := ""
	for i, s := range segs {
		cur += "/" + s
		out[i] = cur
	}
	return out
}
