package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btt-go/btt-sync/pkg/logging"
)

// Role 进程角色，决定哪些字段是必填的。
type Role string

const (
	RoleNode    Role = "node"
	RoleManager Role = "manager"
	RoleCLI     Role = "cli"
)

// ValidationError 单个字段的校验错误。
type ValidationError struct {
	Field   string
	Message string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// Validate 校验配置，一次返回全部问题。
func (c Config) Validate(role Role) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if c.Store.Addr == "" {
		add("store.addr", "is required")
	}
	if c.Store.Prefix == "" {
		add("store.prefix", "is required")
	}
	if c.Store.Retry.MaxTries == 0 {
		add("store.retry.maxTries", "must be at least 1")
	}

	if !strings.HasPrefix(c.Root, "/") {
		add("root", "must be an absolute path, got %q", c.Root)
	}

	if c.Resources.Dir == "" {
		add("resources.dir", "is required")
	}
	if c.Resources.ImmediatePattern != "" {
		if _, err := regexp.Compile(c.Resources.ImmediatePattern); err != nil {
			add("resources.immediatePattern", "invalid regexp: %v", err)
		}
	}

	switch c.Sync.Strategy {
	case "node", "subtree", "children":
	default:
		add("sync.strategy", "must be node, subtree or children, got %q", c.Sync.Strategy)
	}

	if role == RoleNode {
		if c.Node.Name == "" {
			add("node.name", "is required for the node role")
		}
		if strings.Contains(c.Node.Name, "/") {
			add("node.name", "must not contain '/'")
		}
		if c.Sync.LocalDir == "" {
			add("sync.localDir", "is required for the node role")
		}
	}

	return errors.Join(errs...)
}
