package app

import (
	"context"
	"time"

	"github.com/btt-go/btt-sync/pkg/logging"
)

const deregisterTimeout = 5 * time.Second

// shutdown 等待 closeDelay 让在途请求完成，再执行清理。
// 调用方的 ctx 此时已经结束，清理使用独立的超时上下文。
func shutdown(closeDelay time.Duration, cleanup func(ctx context.Context)) {
	if closeDelay > 0 {
		logging.Info(subsystem, "shutting down in %s", closeDelay)
		time.Sleep(closeDelay)
	}
	ctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	cleanup(ctx)
	logging.Info(subsystem, "shutdown complete")
}
