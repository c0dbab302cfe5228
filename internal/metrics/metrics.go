// Package metrics 定义同步引擎各组件共享的 Prometheus 指标。
//
// nil *Metrics 是合法值，所有方法都是空操作，方便测试和嵌入。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "btt_sync"

// Metrics 汇总所有采集器。
type Metrics struct {
	// ResourceReloads 本地资源重载次数。
	// Labels: prefix, result (changed|unchanged|failed)
	ResourceReloads *prometheus.CounterVec

	// ResourceWatchRestarts 本地目录监听重启次数。
	ResourceWatchRestarts prometheus.Counter

	// ResourceWatchDegraded 连续失败超过阈值时为 1。
	ResourceWatchDegraded prometheus.Gauge

	// RemoteEvents 适配器投递的远端事件。
	// Labels: strategy (node|subtree|children), kind (add|update|delete)
	RemoteEvents *prometheus.CounterVec

	// RemoteEventsDropped 被丢弃的远端事件。
	// Labels: reason (stale|out_of_scope|malformed)
	RemoteEventsDropped *prometheus.CounterVec

	// Reconciles 本地落盘结果。
	// Labels: kind, outcome
	Reconciles *prometheus.CounterVec

	// Backups 创建的备份文件数。
	Backups prometheus.Counter

	// Publishes 发布操作结果。
	// Labels: action, result (success|failure)
	Publishes *prometheus.CounterVec

	// StoreReconnects 协调存储重新建连次数。
	StoreReconnects prometheus.Counter
}

// New 在 reg 上注册并返回全部指标。reg 为 nil 时使用默认 Registerer。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ResourceReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_reloads_total",
			Help:      "Local resource reloads by prefix and result.",
		}, []string{"prefix", "result"}),
		ResourceWatchRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_watch_restarts_total",
			Help:      "Restarts of the local resource directory watch.",
		}),
		ResourceWatchDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resource_watch_degraded",
			Help:      "1 while the local resource watch keeps failing.",
		}),
		RemoteEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_events_total",
			Help:      "Remote change events delivered by the watch adapter.",
		}, []string{"strategy", "kind"}),
		RemoteEventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_events_dropped_total",
			Help:      "Remote change events dropped before delivery.",
		}, []string{"reason"}),
		Reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_total",
			Help:      "Reconciliation outcomes by event kind.",
		}, []string{"kind", "outcome"}),
		Backups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup files written before overwrite or delete.",
		}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_total",
			Help:      "Publish gateway actions by result.",
		}, []string{"action", "result"}),
		StoreReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_reconnects_total",
			Help:      "Connections (re)established to the coordination store.",
		}),
	}
}

func (m *Metrics) ResourceReloaded(prefix, result string) {
	if m == nil {
		return
	}
	m.ResourceReloads.WithLabelValues(prefix, result).Inc()
}

func (m *Metrics) WatchRestarted() {
	if m == nil {
		return
	}
	m.ResourceWatchRestarts.Inc()
}

// SetWatchDegraded 设置本地监听降级标记。
func (m *Metrics) SetWatchDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.ResourceWatchDegraded.Set(1)
		return
	}
	m.ResourceWatchDegraded.Set(0)
}

func (m *Metrics) RemoteEvent(strategy, kind string) {
	if m == nil {
		return
	}
	m.RemoteEvents.WithLabelValues(strategy, kind).Inc()
}

func (m *Metrics) RemoteEventDropped(reason string) {
	if m == nil {
		return
	}
	m.RemoteEventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Reconciled(kind, outcome string) {
	if m == nil {
		return
	}
	m.Reconciles.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) BackupCreated() {
	if m == nil {
		return
	}
	m.Backups.Inc()
}

func (m *Metrics) Published(action, result string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(action, result).Inc()
}

func (m *Metrics) StoreReconnected() {
	if m == nil {
		return
	}
	m.StoreReconnects.Inc()
}
