package handlers

import (
	"factory-logistics/internal/event"
	"factory-logistics/internal/metrics"
	"factory-logistics/internal/web"
	"log/slog"
)

// requestOutcomes 请求事件到指标 outcome 标签的映射
var requestOutcomes = map[event.EventType]string{
	event.RequestSubmitted: "submitted",
	event.RequestFulfilled: "fulfilled",
	event.RequestCancelled: "cancelled",
	event.RequestDropped:   "dropped",
	event.RequestExpired:   "expired",
}

// craftOutcomes 工站事件到指标 outcome 标签的映射
var craftOutcomes = map[event.EventType]string{
	event.CraftStarted:    "started",
	event.CraftCompleted:  "completed",
	event.CraftCancelled:  "cancelled",
	event.OutputDiscarded: "discarded",
}

// feedEvents 进入 UI 动态列表的事件；容器库存变化太频繁，不进入列表
var feedEvents = []event.EventType{
	event.CraftStarted,
	event.CraftCompleted,
	event.CraftCancelled,
	event.OutputDiscarded,
	event.QueueChanged,
	event.StorageRegistered,
	event.StorageUnregistered,
	event.RequestSubmitted,
	event.RequestFulfilled,
	event.RequestCancelled,
	event.RequestDropped,
	event.RequestExpired,
}

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 把监控、UI 和审计日志从模拟核心中解耦出来
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "handlers")

	// --- 指标处理器 (Metrics Handler) ---
	for et, outcome := range requestOutcomes {
		outcome := outcome
		bus.Subscribe(et, func(e event.Event) {
			metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		})
	}
	bus.Subscribe(event.RequestFulfilled, func(e event.Event) {
		metrics.UnitsMovedTotal.WithLabelValues(string(e.Resource)).Add(float64(e.Amount))
	})
	for et, outcome := range craftOutcomes {
		outcome := outcome
		bus.Subscribe(et, func(e event.Event) {
			metrics.CraftsTotal.WithLabelValues(e.ComponentID, outcome).Inc()
		})
	}
	bus.Subscribe(event.QueueChanged, func(e event.Event) {
		metrics.StationQueueLength.WithLabelValues(e.ComponentID).Set(float64(e.QueueLength))
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	if st != nil {
		bus.SubscribeAll(st.Record, feedEvents...)
	}

	// --- 日志处理器 (Logging Handler) ---
	bus.Subscribe(event.OutputDiscarded, func(e event.Event) {
		logger.Warn("产出容器已满，产出被丢弃",
			"station_id", e.ComponentID, "recipe_id", e.RecipeID, "resource", e.Resource, "amount", e.Amount)
	})
	bus.Subscribe(event.RequestDropped, func(e event.Event) {
		logger.Warn("目标容器已注销，请求被丢弃", "request_id", e.RequestID, "destination", e.TargetID)
	})
	bus.Subscribe(event.RequestExpired, func(e event.Event) {
		logger.Warn("请求超时未完成",
			"request_id", e.RequestID, "destination", e.TargetID, "resource", e.Resource, "amount", e.Amount)
	})
	bus.Subscribe(event.RequestFulfilled, func(e event.Event) {
		logger.Debug("请求已完成",
			"request_id", e.RequestID, "source", e.SourceID, "destination", e.TargetID,
			"resource", e.Resource, "amount", e.Amount, "priority", e.Priority.String())
	})
	bus.Subscribe(event.CraftCompleted, func(e event.Event) {
		logger.Debug("生产完成", "station_id", e.ComponentID, "recipe_id", e.RecipeID)
	})
}
