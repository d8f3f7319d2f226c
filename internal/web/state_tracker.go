package web

import (
	"factory-logistics/internal/engine"
	"factory-logistics/internal/event"
	"factory-logistics/internal/types"
	"sync"
	"time"
)

// recentLimit 动态列表保留的最近事件条数
const recentLimit = 50

// Counters 是自启动以来的累计统计
type Counters struct {
	CraftsCompleted   map[string]int             `json:"crafts_completed"` // 按配方 ID
	CraftsCancelled   int                        `json:"crafts_cancelled"`
	OutputDiscarded   int                        `json:"output_discarded"`
	RequestsSubmitted int                        `json:"requests_submitted"`
	RequestsFulfilled int                        `json:"requests_fulfilled"`
	RequestsDropped   int                        `json:"requests_dropped"`
	RequestsExpired   int                        `json:"requests_expired"`
	UnitsMoved        map[types.ResourceType]int `json:"units_moved"` // 代理搬运量，按资源种类
}

// FeedEntry 是 UI 动态列表中的一条事件
type FeedEntry struct {
	Time        time.Time          `json:"time"`
	Type        event.EventType    `json:"type"`
	ComponentID string             `json:"component_id,omitempty"`
	RecipeID    string             `json:"recipe_id,omitempty"`
	Resource    types.ResourceType `json:"resource,omitempty"`
	Amount      int                `json:"amount,omitempty"`
	RequestID   string             `json:"request_id,omitempty"`
}

// GlobalState 是推送给前端的全局状态：最新视图 + 累计统计 + 最近事件
type GlobalState struct {
	View     engine.View `json:"view"`
	Counters Counters    `json:"counters"`
	Recent   []FeedEntry `json:"recent"`
}

// StateTracker 汇总模拟视图和业务事件，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
	now   func() time.Time
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{Counters: Counters{
			CraftsCompleted: make(map[string]int),
			UnitsMoved:      make(map[types.ResourceType]int),
		}},
		hub: hub,
		now: time.Now,
	}
}

// UpdateView 保存最新视图并向所有客户端广播全局状态
func (st *StateTracker) UpdateView(v engine.View) {
	st.mu.Lock()
	st.state.View = v
	snapshot := st.copyLocked()
	st.mu.Unlock()

	if st.hub != nil {
		st.hub.BroadcastState(snapshot)
	}
}

// Record 累计一条业务事件；不广播，随下一次视图更新一起推送
func (st *StateTracker) Record(e event.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()

	c := &st.state.Counters
	switch e.Type {
	case event.CraftCompleted:
		c.CraftsCompleted[e.RecipeID]++
	case event.CraftCancelled:
		c.CraftsCancelled++
	case event.OutputDiscarded:
		c.OutputDiscarded++
	case event.RequestSubmitted:
		c.RequestsSubmitted++
	case event.RequestFulfilled:
		c.RequestsFulfilled++
		c.UnitsMoved[e.Resource] += e.Amount
	case event.RequestDropped:
		c.RequestsDropped++
	case event.RequestExpired:
		c.RequestsExpired++
	}

	componentID := e.ComponentID
	if componentID == "" {
		componentID = e.TargetID
	}
	st.state.Recent = append(st.state.Recent, FeedEntry{
		Time:        st.now(),
		Type:        e.Type,
		ComponentID: componentID,
		RecipeID:    e.RecipeID,
		Resource:    e.Resource,
		Amount:      e.Amount,
		RequestID:   e.RequestID,
	})
	if n := len(st.state.Recent); n > recentLimit {
		st.state.Recent = append(st.state.Recent[:0:0], st.state.Recent[n-recentLimit:]...)
	}
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于 /api/state 和新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() GlobalState {
	out := GlobalState{
		View:     st.state.View,
		Counters: st.state.Counters,
		Recent:   append([]FeedEntry(nil), st.state.Recent...),
	}
	out.Counters.CraftsCompleted = make(map[string]int, len(st.state.Counters.CraftsCompleted))
	for k, v := range st.state.Counters.CraftsCompleted {
		out.Counters.CraftsCompleted[k] = v
	}
	out.Counters.UnitsMoved = make(map[types.ResourceType]int, len(st.state.Counters.UnitsMoved))
	for k, v := range st.state.Counters.UnitsMoved {
		out.Counters.UnitsMoved[k] = v
	}
	return out
}
