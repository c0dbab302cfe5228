// Package config 定义进程的 YAML 配置、默认值和校验。
package config

import "time"

// Config 进程配置。
type Config struct {
	Log         LogConfig       `yaml:"log"`
	Store       StoreConfig     `yaml:"store"`
	Root        string          `yaml:"root"`        // 配置中心根路径
	ServersPath string          `yaml:"serversPath"` // 成员注册子路径
	Node        NodeConfig      `yaml:"node"`
	Resources   ResourcesConfig `yaml:"resources"`
	Sync        SyncConfig      `yaml:"sync"`
	Publish     PublishConfig   `yaml:"publish"`
	Admin       AdminConfig     `yaml:"admin"`
	Shutdown    ShutdownConfig  `yaml:"shutdown"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

type StoreConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	Retry        RetryConfig   `yaml:"retry"`
	StreamMaxLen int64         `yaml:"streamMaxLen"`
}

// RetryConfig 建连重试策略。
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxTries        uint          `yaml:"maxTries"`
}

type NodeConfig struct {
	Name            string        `yaml:"name"`
	IP              string        `yaml:"ip"`
	RegistrationTTL time.Duration `yaml:"registrationTTL"`
}

// ResourcesConfig 本地资源缓存。
type ResourcesConfig struct {
	Dir              string        `yaml:"dir"`
	Suffix           string        `yaml:"suffix"`
	DefaultPrefix    string        `yaml:"defaultPrefix"`
	AlwaysImmediate  string        `yaml:"alwaysImmediate"`
	ImmediatePattern string        `yaml:"immediatePattern"`
	Debounce         time.Duration `yaml:"debounce"`
	Restart          RestartConfig `yaml:"restart"`
}

// RestartConfig 目录监听失败后的重启策略。
type RestartConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	AlertAfter      int           `yaml:"alertAfter"`
	StableAfter     time.Duration `yaml:"stableAfter"`
}

// SyncConfig 远端变更同步到本地。
type SyncConfig struct {
	ListenerPath   string        `yaml:"listenerPath"` // 为空时为 /<node.name>
	Strategy       string        `yaml:"strategy"`     // node | subtree | children
	LocalDir       string        `yaml:"localDir"`
	ApplyInitial   bool          `yaml:"applyInitial"`
	ResyncInterval time.Duration `yaml:"resyncInterval"`
	BlockTimeout   time.Duration `yaml:"blockTimeout"`
}

type PublishConfig struct {
	SourceDir       string        `yaml:"sourceDir"`
	DefaultListener string        `yaml:"defaultListener"`
	LockTTL         time.Duration `yaml:"lockTTL"`
	LockWait        time.Duration `yaml:"lockWait"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动
}

type ShutdownConfig struct {
	CloseDelay time.Duration `yaml:"closeDelay"` // 关闭存储连接前的等待
}

// ListenerPath 返回节点监听的子路径。
func (c Config) ListenerPath() string {
	if c.Sync.ListenerPath != "" {
		return c.Sync.ListenerPath
	}
	return "/" + c.Node.Name
}
