package engine

import (
	"factory-logistics/internal/conveyor"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/station"
	"factory-logistics/internal/types"
	"fmt"
)

// State 是整座工厂需要持久化的状态
// 布局 (容量、连线、配方) 来自配置，不在这里保存
type State struct {
	Frames      uint64                                `json:"frames"`
	SimTime     float64                               `json:"sim_time"`
	PolicyAccum float64                               `json:"policy_accum"`
	Containers  map[string]map[types.ResourceType]int `json:"containers"`
	Stations    []station.State                       `json:"stations"`
	Segments    map[string][]conveyor.Parcel          `json:"segments"`
	Routers     map[string]int                        `json:"routers"` // 轮询游标
	Broker      logistics.State                       `json:"broker"`
}

// Snapshot 导出当前状态
func (s *Simulation) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Simulation) snapshot() State {
	st := State{
		Frames:      s.frames,
		SimTime:     s.simTime,
		PolicyAccum: s.policyAccum,
		Containers:  make(map[string]map[types.ResourceType]int, len(s.layout.Containers)),
		Stations:    make([]station.State, 0, len(s.layout.Stations)),
		Segments:    make(map[string][]conveyor.Parcel, len(s.layout.Segments)),
		Routers:     make(map[string]int, len(s.layout.Routers)),
		Broker:      s.broker.Snapshot(),
	}
	for _, c := range s.layout.Containers {
		st.Containers[c.ID()] = c.Snapshot()
	}
	for _, sn := range s.layout.Stations {
		st.Stations = append(st.Stations, sn.Snapshot())
	}
	for _, seg := range s.layout.Segments {
		st.Segments[seg.ID()] = seg.Snapshot()
	}
	for _, r := range s.layout.Routers {
		st.Routers[r.ID()] = r.Cursor()
	}
	return st
}

// Restore 用持久化状态覆盖当前状态；任何一项校验失败都回滚到调用前的状态
// 状态中未出现的组件保持原样
func (s *Simulation) Restore(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	backup := s.snapshot()
	if err := s.restore(st); err != nil {
		if rbErr := s.restore(backup); rbErr != nil {
			s.logger.Error("恢复失败后回滚也失败", "error", rbErr)
		}
		return err
	}
	s.logger.Info("状态已恢复", "frames", st.Frames, "pending_requests", len(st.Broker.Requests))
	return nil
}

func (s *Simulation) restore(st State) error {
	for id, counts := range st.Containers {
		c, ok := s.layout.Container(id)
		if !ok {
			return fmt.Errorf("restore: container %s: %w", id, ErrNotFound)
		}
		if err := c.Restore(counts); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for _, ss := range st.Stations {
		sn, ok := s.layout.Station(ss.ID)
		if !ok {
			return fmt.Errorf("restore: station %s: %w", ss.ID, ErrNotFound)
		}
		if err := sn.Restore(ss, s.layout.Catalog); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for id, parcels := range st.Segments {
		seg, ok := s.layout.Segment(id)
		if !ok {
			return fmt.Errorf("restore: segment %s: %w", id, ErrNotFound)
		}
		if err := seg.Restore(parcels); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for id, cursor := range st.Routers {
		r, ok := s.layout.Router(id)
		if !ok {
			return fmt.Errorf("restore: router %s: %w", id, ErrNotFound)
		}
		r.SetCursor(cursor)
	}
	if err := s.broker.Restore(st.Broker, s.layout.ContainerMap()); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.frames = st.Frames
	s.simTime = st.SimTime
	s.policyAccum = st.PolicyAccum
	return nil
}
