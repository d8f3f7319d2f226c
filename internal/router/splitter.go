package router

import (
	"errors"
	"factory-logistics/internal/types"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// MaxOutputs 分流器最多三个输出 (A/B/C)
const MaxOutputs = 3

// ErrInvalidRouter 表示分流器配置非法
var ErrInvalidRouter = errors.New("invalid router")

// Policy 定义分流策略
type Policy string

const (
	PolicyRoundRobin Policy = "round_robin" // 轮询，跳过已满的输出
	PolicyPriority   Policy = "priority"    // 总是 A -> B -> C
	PolicyRandom     Policy = "random"      // 在有容量的输出中均匀随机
	PolicyOverflow   Policy = "overflow"    // A 满了才给 B，B 满了才给 C；机制与 priority 相同
	PolicyFiltered   Policy = "filtered"    // 按输出的过滤器匹配，都不匹配时回退到第一个有容量的输出
)

// ParsePolicy 校验策略名称
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyRoundRobin, PolicyPriority, PolicyRandom, PolicyOverflow, PolicyFiltered:
		return p, nil
	case "":
		return PolicyRoundRobin, nil
	default:
		return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidRouter, s)
	}
}

// Config 定义分流器的构造参数
type Config struct {
	ID       string
	Policy   Policy
	Interval float64 // 取料间隔 (秒)，0 表示每帧一次
	Seed     int64   // 随机策略的种子，保证模拟可复现
}

// output 是一个输出槽位
type output struct {
	sink    types.Sink
	allowed map[types.ResourceType]struct{} // 过滤策略下的允许列表
	rule    *vm.Program                     // 过滤策略下的规则表达式 (expr 语法)
}

// Splitter 是分流器：从一个输入取货包，按策略分配给最多三个输出
// 自身不持有资源，只有路由配置和轮询游标
type Splitter struct {
	id       string
	policy   Policy
	input    types.Source
	outputs  [MaxOutputs]*output
	interval float64
	timer    float64
	cursor   int
	rng      *rand.Rand
	logger   *slog.Logger
}

// New 创建分流器
func New(cfg Config, logger *slog.Logger) (*Splitter, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidRouter)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("%w: router %s interval must not be negative", ErrInvalidRouter, cfg.ID)
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	return &Splitter{
		id:       cfg.ID,
		policy:   policy,
		interval: cfg.Interval,
		rng:      rand.New(rand.NewSource(seed)),
		logger:   logger.With("component", "router", "router_id", cfg.ID),
	}, nil
}

func (s *Splitter) ID() string      { return s.id }
func (s *Splitter) Policy() Policy  { return s.policy }
func (s *Splitter) Cursor() int     { return s.cursor }
func (s *Splitter) SetCursor(c int) { s.cursor = ((c % MaxOutputs) + MaxOutputs) % MaxOutputs }

// SetPolicy 切换分流策略
func (s *Splitter) SetPolicy(p Policy) error {
	policy, err := ParsePolicy(string(p))
	if err != nil {
		return err
	}
	s.policy = policy
	return nil
}

// ConnectInput 设置输入源
func (s *Splitter) ConnectInput(src types.Source) {
	s.input = src
}

// SetOutput 设置输出槽位 (0=A, 1=B, 2=C)；sink 为 nil 时清空该槽位
func (s *Splitter) SetOutput(slot int, sink types.Sink) error {
	if slot < 0 || slot >= MaxOutputs {
		return fmt.Errorf("%w: router %s slot %d out of range", ErrInvalidRouter, s.id, slot)
	}
	if sink == nil {
		s.outputs[slot] = nil
		return nil
	}
	s.outputs[slot] = &output{sink: sink}
	return nil
}

// SetFilter 设置输出槽位的允许列表，传空清除
func (s *Splitter) SetFilter(slot int, allowed ...types.ResourceType) error {
	out, err := s.slot(slot)
	if err != nil {
		return err
	}
	out.allowed = nil
	if len(allowed) > 0 {
		out.allowed = make(map[types.ResourceType]struct{}, len(allowed))
		for _, t := range allowed {
			out.allowed[t] = struct{}{}
		}
	}
	return nil
}

// SetFilterRule 为输出槽位设置规则表达式，可用变量 resource (string) 和 amount (int)
// 例如: resource == "iron_ore" && amount >= 2；传空字符串清除
func (s *Splitter) SetFilterRule(slot int, rule string) error {
	out, err := s.slot(slot)
	if err != nil {
		return err
	}
	if rule == "" {
		out.rule = nil
		return nil
	}
	program, err := expr.Compile(rule, expr.Env(ruleEnv("", 0)), expr.AsBool())
	if err != nil {
		return fmt.Errorf("%w: router %s slot %d rule compilation failed: %v", ErrInvalidRouter, s.id, slot, err)
	}
	out.rule = program
	return nil
}

// OutputHasCapacity 报告某个输出当前能否接收该货包
func (s *Splitter) OutputHasCapacity(slot int, t types.ResourceType, amount int) bool {
	if slot < 0 || slot >= MaxOutputs || s.outputs[slot] == nil {
		return false
	}
	return s.outputs[slot].sink.CanAccept(t, amount)
}

// SelectOutput 按当前策略为货包选择输出槽位
func (s *Splitter) SelectOutput(t types.ResourceType, amount int) (int, bool) {
	switch s.policy {
	case PolicyFiltered:
		for i, out := range s.outputs {
			if out != nil && s.matches(out, t, amount) && out.sink.CanAccept(t, amount) {
				return i, true
			}
		}
		return s.firstWithCapacity(t, amount)
	case PolicyRoundRobin:
		for k := 0; k < MaxOutputs; k++ {
			i := (s.cursor + k) % MaxOutputs
			if s.OutputHasCapacity(i, t, amount) {
				s.cursor = (i + 1) % MaxOutputs
				return i, true
			}
		}
		return 0, false
	case PolicyRandom:
		candidates := make([]int, 0, MaxOutputs)
		for i := range s.outputs {
			if s.OutputHasCapacity(i, t, amount) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return 0, false
		}
		return candidates[s.rng.Intn(len(candidates))], true
	default: // PolicyPriority, PolicyOverflow
		return s.firstWithCapacity(t, amount)
	}
}

// Tick 按取料间隔从输入取一个货包并投递
// 先确认有输出能接收再从输入取出，不做取出后回滚
func (s *Splitter) Tick(dt float64) {
	if s.input == nil || dt <= 0 {
		return
	}
	s.timer += dt
	if s.timer < s.interval {
		return
	}
	s.timer -= s.interval
	if s.timer > s.interval {
		s.timer = s.interval
	}

	t, n, ok := s.input.Peek()
	if !ok {
		return
	}
	slot, ok := s.SelectOutput(t, n)
	if !ok {
		// 最后手段：任何有容量的输出
		if slot, ok = s.firstWithCapacity(t, n); !ok {
			return
		}
	}
	t, n, ok = s.input.Take()
	if !ok {
		return
	}
	if s.outputs[slot].sink.Accept(t, n) {
		return
	}
	if alt, ok := s.firstWithCapacity(t, n); ok && s.outputs[alt].sink.Accept(t, n) {
		return
	}
	if back, ok := s.input.(types.Sink); ok && back.Accept(t, n) {
		s.logger.Warn("输出拒收，货包已退回输入", "resource", t, "amount", n)
		return
	}
	s.logger.Error("输出拒收且输入无法退回，货包丢失", "resource", t, "amount", n)
}

func (s *Splitter) firstWithCapacity(t types.ResourceType, amount int) (int, bool) {
	for i := range s.outputs {
		if s.OutputHasCapacity(i, t, amount) {
			return i, true
		}
	}
	return 0, false
}

// matches 没有配置任何过滤器的输出不算匹配，只在回退时使用
func (s *Splitter) matches(out *output, t types.ResourceType, amount int) bool {
	if out.allowed == nil && out.rule == nil {
		return false
	}
	if out.allowed != nil {
		if _, ok := out.allowed[t]; !ok {
			return false
		}
	}
	if out.rule != nil {
		result, err := expr.Run(out.rule, ruleEnv(t, amount))
		if err != nil {
			s.logger.Warn("规则执行失败", "error", err, "resource", t)
			return false
		}
		if ok, _ := result.(bool); !ok {
			return false
		}
	}
	return true
}

func (s *Splitter) slot(slot int) (*output, error) {
	if slot < 0 || slot >= MaxOutputs || s.outputs[slot] == nil {
		return nil, fmt.Errorf("%w: router %s slot %d has no output", ErrInvalidRouter, s.id, slot)
	}
	return s.outputs[slot], nil
}

func ruleEnv(t types.ResourceType, amount int) map[string]interface{} {
	return map[string]interface{}{"resource": string(t), "amount": amount}
}
