package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// PendingRequests 仪表盘：物流代理中待处理的请求数
	// 用于监控供需积压
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_pending_requests",
		Help: "The number of resource requests waiting in the broker queue",
	})

	// RequestsTotal 计数器：按结果 (submitted/fulfilled/cancelled/dropped/expired) 统计请求
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_requests_total",
		Help: "The total number of resource requests by outcome",
	}, []string{"outcome"})

	// UnitsMovedTotal 计数器：代理搬运的资源数量，按资源种类分类
	UnitsMovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_units_moved_total",
		Help: "The total number of resource units moved by the broker",
	}, []string{"resource"})

	// CraftsTotal 计数器：按工站和结果 (started/completed/cancelled/discarded) 统计生产任务
	CraftsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_crafts_total",
		Help: "The total number of craft jobs by station and outcome",
	}, []string{"station_id", "outcome"})

	// StationQueueLength 仪表盘：工站等待队列长度
	StationQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_queue_length",
		Help: "The number of recipes waiting in each station queue",
	}, []string{"station_id"})

	// SegmentParcels 仪表盘：每段传送带上的货包数量
	SegmentParcels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conveyor_segment_parcels",
		Help: "The number of parcels currently on each conveyor segment",
	}, []string{"segment_id"})

	// PolicyTickDuration 直方图：一次策略周期 (自动请求 + 代理处理) 的耗时
	// 用于发现注册表或请求队列过大导致的卡顿
	PolicyTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "policy_tick_duration_seconds",
		Help:    "Time spent in one policy tick",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)
