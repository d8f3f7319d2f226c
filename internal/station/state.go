package station

import (
	"factory-logistics/internal/fsm"
	"factory-logistics/internal/types"
	"fmt"
)

// State 是工站需要持久化的最小状态：当前任务 (配方 ID + 已用时间) 和等待队列
type State struct {
	ID       string   `json:"id"`
	RecipeID string   `json:"recipe_id,omitempty"`
	Elapsed  float64  `json:"elapsed,omitempty"`
	Queue    []string `json:"queue,omitempty"`
	Powered  bool     `json:"powered"`
}

// Snapshot 导出工站状态
func (s *Station) Snapshot() State {
	st := State{ID: s.id, Queue: s.Queue(), Powered: s.powered}
	if s.job != nil {
		st.RecipeID = s.job.Recipe.ID
		st.Elapsed = s.job.Elapsed
	}
	return st
}

// Restore 按配方目录恢复工站状态，不扣料也不发送通知
func (s *Station) Restore(st State, catalog types.Catalog) error {
	var job *CraftJob
	if st.RecipeID != "" {
		r, ok := catalog.Lookup(st.RecipeID)
		if !ok {
			return fmt.Errorf("station %s: unknown recipe %s", s.id, st.RecipeID)
		}
		if st.Elapsed < 0 {
			return fmt.Errorf("station %s: negative elapsed %.3f", s.id, st.Elapsed)
		}
		job = &CraftJob{Recipe: r, Elapsed: st.Elapsed}
	}
	if len(st.Queue) > s.maxQueue {
		return fmt.Errorf("station %s: queue of %d exceeds bound %d", s.id, len(st.Queue), s.maxQueue)
	}
	queue := make([]*types.Recipe, 0, len(st.Queue))
	for _, id := range st.Queue {
		r, ok := catalog.Lookup(id)
		if !ok {
			return fmt.Errorf("station %s: unknown queued recipe %s", s.id, id)
		}
		queue = append(queue, r)
	}

	s.job = job
	s.queue = queue
	s.powered = st.Powered
	switch {
	case job != nil:
		s.fsm.Reset(fsm.StateProducing)
	case len(queue) > 0:
		s.fsm.Reset(fsm.StateQueued)
	default:
		s.fsm.Reset(fsm.StateIdle)
	}
	return nil
}
