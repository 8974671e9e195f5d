// Package metrics exposes Prometheus collectors for the offline worker: how
// intercepted requests were resolved, how opportunistic cache writes went,
// how long precaching took and which lifecycle state the worker is in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal 按解析来源（cache/network/fallback/bypass/failed）统计拦截请求。
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_fetch_total",
			Help: "Intercepted requests by resolution source",
		},
		[]string{"source"},
	)

	// CachePutTotal 统计运行时写缓存的结果（stored/failed）。
	CachePutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_hub_cache_put_total",
			Help: "Opportunistic cache writes by result",
		},
		[]string{"result"},
	)

	// InstallDuration 记录预缓存阶段耗时。
	InstallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline_hub_install_duration_seconds",
			Help:    "Time spent precaching static assets",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"result"},
	)

	// StaleStoresDeleted 统计激活阶段删除的旧版本仓库数量。
	StaleStoresDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_hub_stale_stores_deleted_total",
			Help: "Cache stores deleted during activation",
		},
	)

	// LifecycleState 以 0/1 标记当前所处生命周期阶段。
	LifecycleState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_hub_lifecycle_state",
			Help: "Current worker lifecycle state (1 for the active state)",
		},
		[]string{"state"},
	)
)

// SetLifecycleState 将 state 置为 1，其余已知状态置为 0。
func SetLifecycleState(state string, known []string) {
	for _, candidate := range known {
		value := 0.0
		if candidate == state {
			value = 1
		}
		LifecycleState.WithLabelValues(candidate).Set(value)
	}
}
