package engine

import (
	"factory-logistics/internal/config"
	"factory-logistics/internal/conveyor"
	"factory-logistics/internal/event"
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/router"
	"factory-logistics/internal/station"
	"factory-logistics/internal/types"
	"fmt"
	"log/slog"
)

// Layout 是由配置构建出的工厂布局
// 切片保持配置顺序，帧推进按该顺序进行以保证结果可复现
type Layout struct {
	Catalog types.Catalog

	Containers []*inventory.Container
	Stations   []*station.Station
	Segments   []*conveyor.Segment
	Routers    []*router.Splitter

	containerByID map[string]*inventory.Container
	stationByID   map[string]*station.Station
	segmentByID   map[string]*conveyor.Segment
	routerByID    map[string]*router.Splitter
}

// Container 按 ID 查找容器
func (l *Layout) Container(id string) (*inventory.Container, bool) {
	c, ok := l.containerByID[id]
	return c, ok
}

// Station 按 ID 查找工站
func (l *Layout) Station(id string) (*station.Station, bool) {
	s, ok := l.stationByID[id]
	return s, ok
}

// Segment 按 ID 查找传送带
func (l *Layout) Segment(id string) (*conveyor.Segment, bool) {
	s, ok := l.segmentByID[id]
	return s, ok
}

// Router 按 ID 查找分流器
func (l *Layout) Router(id string) (*router.Splitter, bool) {
	r, ok := l.routerByID[id]
	return r, ok
}

// ContainerMap 返回 ID 到容器的映射副本，用于恢复代理状态
func (l *Layout) ContainerMap() map[string]*inventory.Container {
	out := make(map[string]*inventory.Container, len(l.containerByID))
	for id, c := range l.containerByID {
		out[id] = c
	}
	return out
}

// Build 按配置创建容器、工站、传送带和分流器并完成连线
// 初始库存在这里写入；初始队列和存储注册由 Simulation 完成
func Build(cfg *config.Config, bus *event.Bus, logger *slog.Logger) (*Layout, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := types.NewCatalog(cfg.Recipes)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	l := &Layout{
		Catalog:       catalog,
		containerByID: make(map[string]*inventory.Container),
		stationByID:   make(map[string]*station.Station),
		segmentByID:   make(map[string]*conveyor.Segment),
		routerByID:    make(map[string]*router.Splitter),
	}

	for _, cc := range cfg.Containers {
		if _, dup := l.containerByID[cc.ID]; dup {
			return nil, fmt.Errorf("duplicate container id %s", cc.ID)
		}
		allowed := make([]types.ResourceType, len(cc.Allowed))
		for i, a := range cc.Allowed {
			allowed[i] = types.ResourceType(a)
		}
		c, err := inventory.NewContainer(cc.ID, cc.Slots, cc.PerType, allowed, bus)
		if err != nil {
			return nil, fmt.Errorf("build container %s: %w", cc.ID, err)
		}
		for _, in := range cc.Initial {
			if !c.Add(in.Type, in.Amount) {
				return nil, fmt.Errorf("build container %s: initial %d %s does not fit", cc.ID, in.Amount, in.Type)
			}
		}
		l.Containers = append(l.Containers, c)
		l.containerByID[cc.ID] = c
	}

	for _, sc := range cfg.Stations {
		if _, dup := l.stationByID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate station id %s", sc.ID)
		}
		in, ok := l.containerByID[sc.Input]
		if !ok {
			return nil, fmt.Errorf("station %s: unknown input container %s", sc.ID, sc.Input)
		}
		out, ok := l.containerByID[sc.Output]
		if !ok {
			return nil, fmt.Errorf("station %s: unknown output container %s", sc.ID, sc.Output)
		}
		s, err := station.New(station.Config{
			ID:       sc.ID,
			Type:     sc.Type,
			Level:    sc.Level,
			Powered:  sc.Powered,
			MaxQueue: sc.MaxQueue,
			Overflow: station.OverflowPolicy(sc.Overflow),
		}, in, out, bus, logger)
		if err != nil {
			return nil, fmt.Errorf("build station: %w", err)
		}
		l.Stations = append(l.Stations, s)
		l.stationByID[sc.ID] = s
	}

	// 先创建全部传送带，再连线，允许引用配置中靠后的传送带
	for _, sc := range cfg.Segments {
		if _, dup := l.segmentByID[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate segment id %s", sc.ID)
		}
		seg, err := conveyor.New(conveyor.Config{
			ID:               sc.ID,
			Length:           sc.Length,
			Speed:            sc.Speed,
			Spacing:          sc.Spacing,
			MaxParcels:       sc.MaxParcels,
			TransferInterval: sc.TransferInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build segment: %w", err)
		}
		l.Segments = append(l.Segments, seg)
		l.segmentByID[sc.ID] = seg
	}
	for _, sc := range cfg.Segments {
		seg := l.segmentByID[sc.ID]
		if sc.Input != nil {
			src, err := l.source(*sc.Input)
			if err != nil {
				return nil, fmt.Errorf("segment %s input: %w", sc.ID, err)
			}
			seg.ConnectInput(src)
		}
		if sc.Output != nil {
			dst, err := l.sink(*sc.Output)
			if err != nil {
				return nil, fmt.Errorf("segment %s output: %w", sc.ID, err)
			}
			seg.ConnectOutput(dst)
		}
	}

	for _, rc := range cfg.Routers {
		if _, dup := l.routerByID[rc.ID]; dup {
			return nil, fmt.Errorf("duplicate router id %s", rc.ID)
		}
		r, err := router.New(router.Config{
			ID:       rc.ID,
			Policy:   router.Policy(rc.Policy),
			Interval: rc.Interval,
			Seed:     rc.Seed,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build router: %w", err)
		}
		src, err := l.source(rc.Input)
		if err != nil {
			return nil, fmt.Errorf("router %s input: %w", rc.ID, err)
		}
		r.ConnectInput(src)
		for slot, oc := range rc.Outputs {
			dst, err := l.sink(oc.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("router %s output %d: %w", rc.ID, slot, err)
			}
			if err := r.SetOutput(slot, dst); err != nil {
				return nil, err
			}
			if len(oc.Filter) > 0 {
				allowed := make([]types.ResourceType, len(oc.Filter))
				for i, f := range oc.Filter {
					allowed[i] = types.ResourceType(f)
				}
				if err := r.SetFilter(slot, allowed...); err != nil {
					return nil, err
				}
			}
			if oc.Rule != "" {
				if err := r.SetFilterRule(slot, oc.Rule); err != nil {
					return nil, err
				}
			}
		}
		l.Routers = append(l.Routers, r)
		l.routerByID[rc.ID] = r
	}
	return l, nil
}

// source 把端点解析为上游：容器包装成出料口，传送带直接作为上游
func (l *Layout) source(e config.Endpoint) (types.Source, error) {
	switch e.Kind {
	case "container":
		c, ok := l.containerByID[e.ID]
		if !ok {
			return nil, fmt.Errorf("unknown container %s", e.ID)
		}
		return inventory.NewOutlet(c, e.Batch, types.ResourceType(e.Resource)), nil
	case "segment":
		s, ok := l.segmentByID[e.ID]
		if !ok {
			return nil, fmt.Errorf("unknown segment %s", e.ID)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown endpoint kind %q", e.Kind)
}

func (l *Layout) sink(e config.Endpoint) (types.Sink, error) {
	switch e.Kind {
	case "container":
		c, ok := l.containerByID[e.ID]
		if !ok {
			return nil, fmt.Errorf("unknown container %s", e.ID)
		}
		return c, nil
	case "segment":
		s, ok := l.segmentByID[e.ID]
		if !ok {
			return nil, fmt.Errorf("unknown segment %s", e.ID)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown endpoint kind %q", e.Kind)
}
