package engine

import (
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/station"
	"factory-logistics/internal/types"
	"log/slog"
)

// autoStation 是一个开启了自动请求的工站
type autoStation struct {
	station  *station.Station
	priority types.Priority
}

// AutoCrafter 在每个策略周期检查工站队首配方的缺料，并向物流代理提交补料请求
// 同一目标容器、同一资源种类已有待处理请求时不重复提交
type AutoCrafter struct {
	broker   *logistics.Broker
	catalog  types.Catalog
	stations []autoStation
	logger   *slog.Logger
}

// NewAutoCrafter 创建自动请求驱动
func NewAutoCrafter(broker *logistics.Broker, catalog types.Catalog, logger *slog.Logger) *AutoCrafter {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoCrafter{
		broker:  broker,
		catalog: catalog,
		logger:  logger.With("component", "autocrafter"),
	}
}

// Watch 为工站开启自动请求
func (a *AutoCrafter) Watch(s *station.Station, p types.Priority) {
	a.stations = append(a.stations, autoStation{station: s, priority: p})
}

// Tick 为每个工站的队首配方提交缺料请求，返回提交的请求数
func (a *AutoCrafter) Tick() int {
	submitted := 0
	for _, as := range a.stations {
		r, ok := a.head(as.station)
		if !ok {
			continue
		}
		input := as.station.InputContainer()
		for _, t := range ingredientOrder(r) {
			shortfall := ingredientTotal(r, t) - input.Count(t)
			if shortfall <= 0 || a.broker.HasPending(input, t) {
				continue
			}
			if _, ok := a.broker.SubmitRequest(t, shortfall, input, as.priority); ok {
				submitted++
				a.logger.Debug("提交补料请求", "station_id", as.station.ID(), "recipe_id", r.ID, "resource", t, "amount", shortfall)
			}
		}
	}
	return submitted
}

// head 返回工站等待中的队首配方；正在生产时队首就是下一个要开工的配方
func (a *AutoCrafter) head(s *station.Station) (*types.Recipe, bool) {
	queue := s.Queue()
	if len(queue) == 0 {
		return nil, false
	}
	return a.catalog.Lookup(queue[0])
}

// ingredientOrder 按配方中首次出现的顺序返回用料种类
func ingredientOrder(r *types.Recipe) []types.ResourceType {
	seen := make(map[types.ResourceType]bool, len(r.Ingredients))
	var order []types.ResourceType
	for _, in := range r.Ingredients {
		if !seen[in.Type] {
			seen[in.Type] = true
			order = append(order, in.Type)
		}
	}
	return order
}

func ingredientTotal(r *types.Recipe, t types.ResourceType) int {
	n := 0
	for _, in := range r.Ingredients {
		if in.Type == t {
			n += in.Amount
		}
	}
	return n
}
