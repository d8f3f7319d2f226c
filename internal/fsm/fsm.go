package fsm

import (
	"fmt"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// 工站状态：Idle -> Producing -> Idle，Queued 表示空闲但队首配方在等待用料
const (
	StateIdle      State = "IDLE"
	StateQueued    State = "QUEUED"
	StateProducing State = "PRODUCING"
)

const (
	EventStart  Event = "START"  // 用料已扣除，开始生产
	EventStall  Event = "STALL"  // 队首配方缺料，进入等待
	EventFinish Event = "FINISH" // 生产完成
	EventCancel Event = "CANCEL" // 生产被取消
	EventDrain  Event = "DRAIN"  // 等待队列被清空
)

// FSM 有限状态机
type FSM struct {
	Current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义状态变更后的回调: State -> func()
	callbacks map[State]func(targetID string)
	TargetID  string // 关联的目标对象ID（如工站ID）
}

func NewFSM(targetID string) *FSM {
	fsm := &FSM{
		Current:     StateIdle,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateIdle, EventStart, StateProducing)
	f.addTransition(StateIdle, EventStall, StateQueued)

	f.addTransition(StateQueued, EventStart, StateProducing) // 立即生产可以绕过等待队列
	f.addTransition(StateQueued, EventStall, StateQueued)
	f.addTransition(StateQueued, EventDrain, StateIdle)

	f.addTransition(StateProducing, EventFinish, StateIdle)
	f.addTransition(StateProducing, EventCancel, StateIdle)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(targetID string)) {
	f.callbacks[state] = callback
}

// Can 报告当前状态下事件是否合法
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.Current][event]
	return ok
}

// State 返回当前状态
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	nextState, ok := f.transitions[f.Current][event]
	if !ok {
		cur := f.Current
		f.mu.Unlock()
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, cur)
	}
	f.Current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	// 回调在锁外执行，回调中可以读取状态
	if cb != nil {
		cb(f.TargetID)
	}
	return nil
}

// Reset 直接设置状态，仅用于从持久化数据恢复
func (f *FSM) Reset(state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Current = state
}
