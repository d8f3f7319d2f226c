package engine

import (
	"context"
	"errors"
	"factory-logistics/internal/config"
	"factory-logistics/internal/event"
	"factory-logistics/internal/logistics"
	"factory-logistics/internal/metrics"
	"factory-logistics/internal/router"
	"factory-logistics/internal/types"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrNotFound 表示引用的组件不存在
	ErrNotFound = errors.New("not found")
	// ErrRejected 表示操作被组件拒绝 (容量、匹配或状态不满足)
	ErrRejected = errors.New("rejected")
)

// policyEpsilon 吸收累加误差，避免 10 x 0.05 因浮点误差少跑一次策略周期
const policyEpsilon = 1e-9

// Simulation 驱动整座工厂：帧周期推进传送带、分流器和工站，策略周期运行自动请求和物流代理
// 所有组件都是单线程推进的，对外方法通过同一把互斥锁与推进循环串行化
type Simulation struct {
	mu sync.Mutex

	layout  *Layout
	broker  *logistics.Broker
	crafter *AutoCrafter

	frameInterval time.Duration
	policySec     float64
	policyAccum   float64 // 距离下一次策略周期累积的模拟时间
	frames        uint64
	simTime       float64

	observer func(View) // 每个策略周期结束后调用，在锁外执行
	logger   *slog.Logger
}

// NewSimulation 按配置构建布局，注册存储节点，开启自动请求并写入初始队列
func NewSimulation(cfg *config.Config, bus *event.Bus, logger *slog.Logger, opts ...logistics.Option) (*Simulation, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FrameInterval <= 0 || cfg.PolicyInterval <= 0 {
		return nil, fmt.Errorf("frame and policy intervals must be positive")
	}
	layout, err := Build(cfg, bus, logger)
	if err != nil {
		return nil, err
	}
	broker := logistics.NewBroker(logistics.Config{
		MaxRequestsPerTick: cfg.Broker.MaxRequestsPerTick,
		RequestTTL:         cfg.Broker.RequestTTL,
	}, bus, logger, opts...)

	for _, sc := range cfg.Storages {
		c, ok := layout.Container(sc.Container)
		if !ok {
			return nil, fmt.Errorf("storage: unknown container %s", sc.Container)
		}
		p, err := types.ParsePriority(sc.Priority)
		if err != nil {
			return nil, fmt.Errorf("storage %s: %w", sc.Container, err)
		}
		if !broker.Register(c, p, sc.Input, sc.Output) {
			return nil, fmt.Errorf("storage: container %s registered twice", sc.Container)
		}
	}

	crafter := NewAutoCrafter(broker, layout.Catalog, logger)
	for _, sc := range cfg.Stations {
		st, _ := layout.Station(sc.ID)
		if sc.AutoRequest {
			p, err := types.ParsePriority(sc.RequestPriority)
			if err != nil {
				return nil, fmt.Errorf("station %s: %w", sc.ID, err)
			}
			crafter.Watch(st, p)
		}
		for _, id := range sc.Queue {
			r, ok := layout.Catalog.Lookup(id)
			if !ok {
				return nil, fmt.Errorf("station %s: unknown recipe %s", sc.ID, id)
			}
			if !st.Enqueue(r) {
				logger.Warn("初始配方无法入队", "station_id", sc.ID, "recipe_id", id)
			}
		}
	}

	return &Simulation{
		layout:        layout,
		broker:        broker,
		crafter:       crafter,
		frameInterval: cfg.FrameInterval,
		policySec:     cfg.PolicyInterval.Seconds(),
		logger:        logger.With("component", "simulation"),
	}, nil
}

// SetObserver 设置策略周期结束后的状态回调 (例如推送给 WebSocket 客户端)
func (s *Simulation) SetObserver(fn func(View)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Step 推进 dt 秒模拟时间：先跑一帧，再按累积时间补齐到期的策略周期
func (s *Simulation) Step(dt float64) {
	if dt <= 0 {
		return
	}
	s.mu.Lock()
	ran := s.step(dt)
	observer := s.observer
	var v View
	if ran > 0 && observer != nil {
		v = s.view()
	}
	s.mu.Unlock()

	if ran > 0 && observer != nil {
		observer(v)
	}
}

func (s *Simulation) step(dt float64) int {
	for _, seg := range s.layout.Segments {
		seg.Tick(dt)
	}
	for _, r := range s.layout.Routers {
		r.Tick(dt)
	}
	for _, st := range s.layout.Stations {
		st.Tick(dt)
	}
	s.frames++
	s.simTime += dt

	ran := 0
	s.policyAccum += dt
	for s.policyAccum+policyEpsilon >= s.policySec {
		s.policyAccum -= s.policySec
		s.policyTick()
		ran++
	}
	if s.policyAccum < 0 {
		s.policyAccum = 0
	}

	for _, seg := range s.layout.Segments {
		metrics.SegmentParcels.WithLabelValues(seg.ID()).Set(float64(seg.Count()))
	}
	return ran
}

func (s *Simulation) policyTick() {
	start := time.Now()
	submitted := s.crafter.Tick()
	res := s.broker.Tick()
	metrics.PolicyTickDuration.Observe(time.Since(start).Seconds())
	metrics.PendingRequests.Set(float64(s.broker.PendingCount()))
	if submitted > 0 || res.Processed > 0 {
		s.logger.Debug("策略周期完成",
			"submitted", submitted,
			"processed", res.Processed,
			"fulfilled", res.Fulfilled,
			"dropped", res.Dropped,
			"expired", res.Expired,
			"pending", s.broker.PendingCount())
	}
}

// Run 以帧周期实时推进模拟，直到 ctx 被取消
func (s *Simulation) Run(ctx context.Context) {
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()
	dt := s.frameInterval.Seconds()

	s.logger.Info("模拟循环启动", "frame_interval", s.frameInterval.String(), "policy_interval_s", s.policySec)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("模拟循环停止", "frames", s.Frames())
			return
		case <-ticker.C:
			s.Step(dt)
		}
	}
}

// Frames 返回已推进的帧数
func (s *Simulation) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Broker 返回物流代理；调用方需自行保证不与推进循环并发访问
func (s *Simulation) Broker() *logistics.Broker { return s.broker }

// Layout 返回工厂布局；调用方需自行保证不与推进循环并发访问
func (s *Simulation) Layout() *Layout { return s.layout }

// SubmitRequest 向物流代理提交请求
func (s *Simulation) SubmitRequest(t types.ResourceType, amount int, destID string, p types.Priority) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.layout.Container(destID)
	if !ok {
		return "", fmt.Errorf("container %s: %w", destID, ErrNotFound)
	}
	id, ok := s.broker.SubmitRequest(t, amount, dest, p)
	if !ok {
		return "", fmt.Errorf("request for %d %s to %s: %w", amount, t, destID, ErrRejected)
	}
	metrics.PendingRequests.Set(float64(s.broker.PendingCount()))
	return id, nil
}

// CancelRequests 取消以该容器为目标的全部请求
func (s *Simulation) CancelRequests(destID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.layout.Container(destID)
	if !ok {
		return 0, fmt.Errorf("container %s: %w", destID, ErrNotFound)
	}
	n := s.broker.CancelRequests(dest)
	metrics.PendingRequests.Set(float64(s.broker.PendingCount()))
	return n, nil
}

// RecoverRequests 把预写日志中未结束的请求放回代理队列
func (s *Simulation) RecoverRequests(records []logistics.RequestRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.broker.RecoverRequests(records, s.layout.ContainerMap())
	metrics.PendingRequests.Set(float64(s.broker.PendingCount()))
	return n, err
}

// Enqueue 把配方加入工站队列
func (s *Simulation) Enqueue(stationID, recipeID string) error {
	return s.withRecipe(stationID, recipeID, func(st stationOps, r *types.Recipe) bool { return st.Enqueue(r) })
}

// StartImmediate 让空闲工站绕过队列立即开工
func (s *Simulation) StartImmediate(stationID, recipeID string) error {
	return s.withRecipe(stationID, recipeID, func(st stationOps, r *types.Recipe) bool { return st.StartImmediate(r) })
}

// stationOps 是 withRecipe 回调用到的工站方法
type stationOps interface {
	Enqueue(r *types.Recipe) bool
	StartImmediate(r *types.Recipe) bool
}

func (s *Simulation) withRecipe(stationID, recipeID string, op func(stationOps, *types.Recipe) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.layout.Station(stationID)
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	r, ok := s.layout.Catalog.Lookup(recipeID)
	if !ok {
		return fmt.Errorf("recipe %s: %w", recipeID, ErrNotFound)
	}
	if !op(st, r) {
		return fmt.Errorf("station %s recipe %s: %w", stationID, recipeID, ErrRejected)
	}
	return nil
}

// CancelCraft 取消工站当前任务并按剩余进度退料
func (s *Simulation) CancelCraft(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.layout.Station(stationID)
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	if !st.Cancel() {
		return fmt.Errorf("station %s is idle: %w", stationID, ErrRejected)
	}
	return nil
}

// ClearQueue 清空工站等待队列
func (s *Simulation) ClearQueue(stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.layout.Station(stationID)
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	st.ClearQueue()
	return nil
}

// SetPowered 切换工站供电
func (s *Simulation) SetPowered(stationID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.layout.Station(stationID)
	if !ok {
		return fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	st.SetPowered(on)
	return nil
}

// AcceptOnSegment 把货包放到传送带入口 (模拟手动投放)
func (s *Simulation) AcceptOnSegment(segmentID string, t types.ResourceType, amount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.layout.Segment(segmentID)
	if !ok {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	if amount <= 0 || t == "" || !seg.Accept(t, amount) {
		return fmt.Errorf("segment %s: %w", segmentID, ErrRejected)
	}
	return nil
}

// SetRouterPolicy 切换分流策略
func (s *Simulation) SetRouterPolicy(routerID string, p router.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.layout.Router(routerID)
	if !ok {
		return fmt.Errorf("router %s: %w", routerID, ErrNotFound)
	}
	if err := r.SetPolicy(p); err != nil {
		return fmt.Errorf("router %s: %v: %w", routerID, err, ErrRejected)
	}
	return nil
}
