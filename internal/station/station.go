package station

import (
	"errors"
	"factory-logistics/internal/event"
	"factory-logistics/internal/fsm"
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"fmt"
	"log/slog"
	"math"
)

// ErrInvalidStation 表示工站构造参数非法
var ErrInvalidStation = errors.New("invalid station")

// refundEpsilon 吸收浮点误差，避免 4*0.5 被向上取整成 3
const refundEpsilon = 1e-9

// OverflowPolicy 决定产出容器已满时如何处理产出
type OverflowPolicy string

const (
	OverflowDiscard OverflowPolicy = "discard" // 丢弃产出，工站回到空闲
	OverflowStall   OverflowPolicy = "stall"   // 保持完成态，等产出容器有空间再交付
)

// Config 定义工站的构造参数
type Config struct {
	ID       string
	Type     string         // 工站类型，与配方的 StationType 匹配
	Level    int            // 工站等级
	Powered  bool           // 初始供电状态
	MaxQueue int            // 等待队列上限 (不含正在生产的任务)
	Overflow OverflowPolicy // 产出溢出策略，默认 discard
}

// CraftJob 表示正在进行的生产任务
type CraftJob struct {
	Recipe  *types.Recipe
	Elapsed float64
}

// Station 是生产工站：从输入容器扣料，按配方计时生产，把产出放入输出容器
type Station struct {
	id          string
	stationType string
	level       int
	powered     bool
	maxQueue    int
	overflow    OverflowPolicy

	input  *inventory.Container
	output *inventory.Container

	job   *CraftJob       // 正在生产的任务，nil 表示空闲
	queue []*types.Recipe // 等待中的配方，FIFO，不重排

	fsm    *fsm.FSM
	bus    *event.Bus
	logger *slog.Logger
}

// New 创建一个工站；输入、输出容器可以是同一个
func New(cfg Config, input, output *inventory.Container, bus *event.Bus, logger *slog.Logger) (*Station, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidStation)
	}
	if input == nil || output == nil {
		return nil, fmt.Errorf("%w: station %s needs input and output containers", ErrInvalidStation, cfg.ID)
	}
	if cfg.MaxQueue < 0 || cfg.Level < 0 {
		return nil, fmt.Errorf("%w: station %s max_queue=%d level=%d", ErrInvalidStation, cfg.ID, cfg.MaxQueue, cfg.Level)
	}
	overflow := cfg.Overflow
	switch overflow {
	case "":
		overflow = OverflowDiscard
	case OverflowDiscard, OverflowStall:
	default:
		return nil, fmt.Errorf("%w: station %s unknown overflow policy %q", ErrInvalidStation, cfg.ID, cfg.Overflow)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Station{
		id:          cfg.ID,
		stationType: cfg.Type,
		level:       cfg.Level,
		powered:     cfg.Powered,
		maxQueue:    cfg.MaxQueue,
		overflow:    overflow,
		input:       input,
		output:      output,
		fsm:         fsm.NewFSM(cfg.ID),
		bus:         bus,
		logger:      logger.With("component", "station", "station_id", cfg.ID),
	}, nil
}

func (s *Station) ID() string   { return s.id }
func (s *Station) Type() string { return s.stationType }

// InputContainer 返回输入容器，供代理注册和自动补料使用
func (s *Station) InputContainer() *inventory.Container { return s.input }

// OutputContainer 返回输出容器，供出料口和传送带连接使用
func (s *Station) OutputContainer() *inventory.Container { return s.output }

// State 返回状态机的当前状态
func (s *Station) State() fsm.State { return s.fsm.State() }

// IsIdle 没有正在生产的任务 (包括 Queued 子状态)
func (s *Station) IsIdle() bool { return s.job == nil }

// Powered 返回供电状态
func (s *Station) Powered() bool { return s.powered }

// SetPowered 切换供电；断电时需要电力的任务暂停计时
func (s *Station) SetPowered(on bool) { s.powered = on }

// ActiveRecipe 返回正在生产的配方
func (s *Station) ActiveRecipe() (*types.Recipe, bool) {
	if s.job == nil {
		return nil, false
	}
	return s.job.Recipe, true
}

// Progress 返回当前任务进度 [0,1]，空闲时为 0
func (s *Station) Progress() float64 {
	if s.job == nil {
		return 0
	}
	return math.Min(s.job.Elapsed/s.job.Recipe.Duration, 1)
}

// QueueLength 返回等待队列长度
func (s *Station) QueueLength() int { return len(s.queue) }

// Queue 返回等待队列中配方 ID 的副本
func (s *Station) Queue() []string {
	ids := make([]string, len(s.queue))
	for i, r := range s.queue {
		ids[i] = r.ID
	}
	return ids
}

// CanCraft 检查工站类型、等级和供电是否满足配方要求
func (s *Station) CanCraft(r *types.Recipe) bool {
	mustRecipe(r)
	if r.StationType != "" && r.StationType != s.stationType {
		return false
	}
	if s.level < r.MinLevel {
		return false
	}
	return !r.RequiresPower || s.powered
}

// HasIngredients 检查输入容器是否满足所有用料
// 同一种类出现多行时按总量检查
func (s *Station) HasIngredients(r *types.Recipe) bool {
	mustRecipe(r)
	for t, n := range totals(r) {
		if !s.input.Has(t, n) {
			return false
		}
	}
	return true
}

// Enqueue 把配方加入等待队列；工站空闲时立即尝试推进队首
func (s *Station) Enqueue(r *types.Recipe) bool {
	mustRecipe(r)
	if !s.CanCraft(r) {
		s.logger.Debug("配方与工站不匹配", "recipe_id", r.ID)
		return false
	}
	if len(s.queue) >= s.maxQueue {
		s.logger.Debug("队列已满", "recipe_id", r.ID, "max_queue", s.maxQueue)
		return false
	}
	s.queue = append(s.queue, r)
	s.publishQueue()
	if s.job == nil {
		s.promote()
	}
	return true
}

// StartImmediate 绕过队列直接开始生产
// 要求工站空闲、配方匹配且用料充足；用料整体扣除
func (s *Station) StartImmediate(r *types.Recipe) bool {
	mustRecipe(r)
	if s.job != nil || !s.CanCraft(r) {
		return false
	}
	if !s.consume(r) {
		return false
	}
	s.begin(r)
	return true
}

// Tick 推进生产计时，完成后交付产出并推进队列
func (s *Station) Tick(dt float64) {
	if s.job == nil {
		// 空闲但队首在等料时，每帧复查队首；不会跳过队首
		if len(s.queue) > 0 {
			s.promote()
		}
		return
	}
	if s.job.Recipe.RequiresPower && !s.powered {
		return
	}
	s.job.Elapsed += dt
	if s.job.Elapsed >= s.job.Recipe.Duration {
		s.complete()
	}
}

// Cancel 取消当前任务，按剩余进度向上取整退料，不改动等待队列
func (s *Station) Cancel() bool {
	if s.job == nil {
		return false
	}
	r := s.job.Recipe
	remaining := 1 - s.Progress()
	for _, in := range r.Ingredients {
		refund := int(math.Ceil(float64(in.Amount)*remaining - refundEpsilon))
		if refund <= 0 {
			continue
		}
		if added := s.input.TryAddMax(in.Type, refund); added < refund {
			s.logger.Warn("退料时输入容器已满，部分用料丢失", "recipe_id", r.ID, "resource", in.Type, "refund", refund, "added", added)
		}
	}
	s.job = nil
	s.fire(fsm.EventCancel)
	s.bus.Publish(event.Event{Type: event.CraftCancelled, ComponentID: s.id, RecipeID: r.ID})
	return true
}

// ClearQueue 清空等待队列，不影响正在生产的任务
func (s *Station) ClearQueue() {
	if len(s.queue) == 0 {
		return
	}
	s.queue = nil
	s.publishQueue()
	if s.fsm.State() == fsm.StateQueued {
		s.fire(fsm.EventDrain)
	}
}

// promote 尝试把队首配方投入生产；缺料时停在队首，不跳过
func (s *Station) promote() {
	if s.job != nil {
		return
	}
	if len(s.queue) == 0 {
		if s.fsm.State() == fsm.StateQueued {
			s.fire(fsm.EventDrain)
		}
		return
	}
	head := s.queue[0]
	if !s.CanCraft(head) || !s.consume(head) {
		if s.fsm.State() != fsm.StateQueued {
			s.logger.Debug("队首配方缺料，等待补料", "recipe_id", head.ID)
			s.fire(fsm.EventStall)
		}
		return
	}
	s.queue = s.queue[1:]
	s.publishQueue()
	s.begin(head)
}

// consume 先整体确认用料充足，再逐行扣除
func (s *Station) consume(r *types.Recipe) bool {
	need := totals(r)
	for t, n := range need {
		if !s.input.Has(t, n) {
			return false
		}
	}
	removed := make(map[types.ResourceType]int, len(need))
	for t, n := range need {
		if !s.input.Remove(t, n) {
			// 单线程下不会发生；出现时把已扣的料放回去，保证不出现部分扣料
			for rt, rn := range removed {
				s.input.Add(rt, rn)
			}
			s.logger.Error("扣料失败，已回滚", "recipe_id", r.ID, "resource", t)
			return false
		}
		removed[t] = n
	}
	return true
}

func (s *Station) begin(r *types.Recipe) {
	s.job = &CraftJob{Recipe: r}
	s.fire(fsm.EventStart)
	s.bus.Publish(event.Event{Type: event.CraftStarted, ComponentID: s.id, RecipeID: r.ID})
}

func (s *Station) complete() {
	r := s.job.Recipe
	out := r.Output
	if !s.output.Add(out.Type, out.Amount) {
		if s.overflow == OverflowStall {
			s.job.Elapsed = r.Duration
			return
		}
		s.logger.Debug("输出容器已满，产出被丢弃", "recipe_id", r.ID, "resource", out.Type, "amount", out.Amount)
		s.bus.Publish(event.Event{Type: event.OutputDiscarded, ComponentID: s.id, RecipeID: r.ID, Resource: out.Type, Amount: out.Amount})
		out.Amount = 0
	}
	s.job = nil
	s.fire(fsm.EventFinish)
	s.bus.Publish(event.Event{Type: event.CraftCompleted, ComponentID: s.id, RecipeID: r.ID, Resource: out.Type, Amount: out.Amount})
	s.promote()
}

func (s *Station) fire(e fsm.Event) {
	if err := s.fsm.Fire(e); err != nil {
		s.logger.Error("状态转移失败", "error", err)
	}
}

func (s *Station) publishQueue() {
	s.bus.Publish(event.Event{Type: event.QueueChanged, ComponentID: s.id, QueueLength: len(s.queue)})
}

func totals(r *types.Recipe) map[types.ResourceType]int {
	need := make(map[types.ResourceType]int, len(r.Ingredients))
	for _, in := range r.Ingredients {
		need[in.Type] += in.Amount
	}
	return need
}

func mustRecipe(r *types.Recipe) {
	if r == nil {
		panic("station: nil recipe")
	}
}
