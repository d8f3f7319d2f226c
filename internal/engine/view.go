package engine

import (
	"factory-logistics/internal/conveyor"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/types"
)

// View 是用于 UI 展示和 /api/state 的全局只读视图
type View struct {
	Frames     uint64                    `json:"frames"`
	SimTime    float64                   `json:"sim_time"`
	Containers []ContainerView           `json:"containers"`
	Stations   []StationView             `json:"stations"`
	Segments   []SegmentView             `json:"segments"`
	Routers    []RouterView              `json:"routers"`
	Storages   []logistics.StorageRecord `json:"storages"`
	Requests   []logistics.RequestRecord `json:"requests"` // 按处理顺序
}

type ContainerView struct {
	ID              string                     `json:"id"`
	SlotCapacity    int                        `json:"slot_capacity"`
	PerTypeCapacity int                        `json:"per_type_capacity"`
	Stock           map[types.ResourceType]int `json:"stock"`
}

type StationView struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	State    string   `json:"state"`
	Recipe   string   `json:"recipe,omitempty"`
	Progress float64  `json:"progress"`
	Queue    []string `json:"queue"`
	Powered  bool     `json:"powered"`
}

type SegmentView struct {
	ID        string            `json:"id"`
	Length    float64           `json:"length"`
	Occupancy float64           `json:"occupancy"`
	Parcels   []conveyor.Parcel `json:"parcels"`
}

type RouterView struct {
	ID     string `json:"id"`
	Policy string `json:"policy"`
	Cursor int    `json:"cursor"`
}

// View 返回当前视图
func (s *Simulation) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}

func (s *Simulation) view() View {
	b := s.broker.Snapshot()
	v := View{
		Frames:   s.frames,
		SimTime:  s.simTime,
		Storages: b.Storages,
		Requests: b.Requests,
	}
	for _, c := range s.layout.Containers {
		v.Containers = append(v.Containers, ContainerView{
			ID:              c.ID(),
			SlotCapacity:    c.SlotCapacity(),
			PerTypeCapacity: c.PerTypeCapacity(),
			Stock:           c.Snapshot(),
		})
	}
	for _, st := range s.layout.Stations {
		sv := StationView{
			ID:       st.ID(),
			Type:     st.Type(),
			State:    string(st.State()),
			Progress: st.Progress(),
			Queue:    st.Queue(),
			Powered:  st.Powered(),
		}
		if r, ok := st.ActiveRecipe(); ok {
			sv.Recipe = r.ID
		}
		v.Stations = append(v.Stations, sv)
	}
	for _, seg := range s.layout.Segments {
		v.Segments = append(v.Segments, SegmentView{ID: seg.ID(), Length: seg.Length(), Occupancy: seg.Occupancy(), Parcels: seg.Parcels()})
	}
	for _, r := range s.layout.Routers {
		v.Routers = append(v.Routers, RouterView{ID: r.ID(), Policy: string(r.Policy()), Cursor: r.Cursor()})
	}
	return v
}
