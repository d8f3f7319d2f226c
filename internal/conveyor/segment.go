package conveyor

import (
	"errors"
	"factory-logistics/internal/types"
	"fmt"
	"log/slog"
)

// ErrInvalidSegment 表示传送带构造参数或恢复数据非法
var ErrInvalidSegment = errors.New("invalid segment")

// spacingEpsilon 吸收浮点误差；0.9-0.8 在浮点下略小于 0.1
const spacingEpsilon = 1e-9

// Config 定义传送带的构造参数
type Config struct {
	ID               string
	Length           float64 // 传送带长度 (世界单位)
	Speed            float64 // 移动速度 (世界单位/秒)
	Spacing          float64 // 相邻货包的最小间距 (世界单位)
	MaxParcels       int     // 最多同时承载的货包数
	TransferInterval float64 // 入口拉取/出口交付的间隔 (秒)，0 表示每帧一次
}

// Parcel 是传送带上的一个货包
// Progress 为沿传送带的归一化位置，0 为入口，1 为出口
type Parcel struct {
	Type     types.ResourceType `json:"type"`
	Amount   int                `json:"amount"`
	Progress float64            `json:"progress"`
}

// Segment 是一段有向传送带
// parcels 按 Progress 降序排列 (最靠近出口的在前)，相邻货包间距 >= minSpacing
type Segment struct {
	id         string
	length     float64
	speed      float64
	minSpacing float64 // 归一化后的最小间距 (Spacing / Length)
	maxParcels int

	transferInterval float64
	transferTimer    float64

	parcels []Parcel
	input   types.Source // 可选：每个传输周期从这里拉取一个货包
	output  types.Sink   // 可选：每个传输周期向这里交付出口货包

	logger *slog.Logger
}

// New 创建传送带
func New(cfg Config, logger *slog.Logger) (*Segment, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("%w: empty id", ErrInvalidSegment)
	case cfg.Length <= 0:
		return nil, fmt.Errorf("%w: segment %s length must be positive", ErrInvalidSegment, cfg.ID)
	case cfg.Speed < 0 || cfg.Spacing < 0 || cfg.TransferInterval < 0:
		return nil, fmt.Errorf("%w: segment %s speed, spacing and transfer interval must not be negative", ErrInvalidSegment, cfg.ID)
	case cfg.Spacing > cfg.Length:
		return nil, fmt.Errorf("%w: segment %s spacing exceeds length", ErrInvalidSegment, cfg.ID)
	case cfg.MaxParcels <= 0:
		return nil, fmt.Errorf("%w: segment %s max_parcels must be positive", ErrInvalidSegment, cfg.ID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Segment{
		id:               cfg.ID,
		length:           cfg.Length,
		speed:            cfg.Speed,
		minSpacing:       cfg.Spacing / cfg.Length,
		maxParcels:       cfg.MaxParcels,
		transferInterval: cfg.TransferInterval,
		parcels:          make([]Parcel, 0, cfg.MaxParcels),
		logger:           logger.With("component", "conveyor", "segment_id", cfg.ID),
	}, nil
}

func (s *Segment) ID() string          { return s.id }
func (s *Segment) Length() float64     { return s.length }
func (s *Segment) MinSpacing() float64 { return s.minSpacing }
func (s *Segment) MaxParcels() int     { return s.maxParcels }
func (s *Segment) Count() int          { return len(s.parcels) }
func (s *Segment) IsEmpty() bool       { return len(s.parcels) == 0 }
func (s *Segment) IsFull() bool        { return len(s.parcels) >= s.maxParcels }

// ConnectInput 设置入口上游 (另一段传送带、分流器之外的容器出料口)
func (s *Segment) ConnectInput(src types.Source) {
	s.input = src
}

// ConnectOutput 设置出口下游 (另一段传送带、分流器输出之外的容器)
func (s *Segment) ConnectOutput(dst types.Sink) {
	s.output = dst
}

// Occupancy 返回占用率 [0,1]
func (s *Segment) Occupancy() float64 {
	return float64(len(s.parcels)) / float64(s.maxParcels)
}

// Parcels 返回货包列表的副本，供渲染层插值使用
func (s *Segment) Parcels() []Parcel {
	out := make([]Parcel, len(s.parcels))
	copy(out, s.parcels)
	return out
}

// CanAccept 检查入口是否可以放入新货包
// 数量已满或最近放入的货包还没离开入口 minSpacing 时拒绝
func (s *Segment) CanAccept(t types.ResourceType, amount int) bool {
	if t == "" || amount <= 0 || len(s.parcels) >= s.maxParcels {
		return false
	}
	if n := len(s.parcels); n > 0 && s.parcels[n-1].Progress < s.minSpacing-spacingEpsilon {
		return false
	}
	return true
}

// Accept 在入口 (progress = 0) 放入新货包
func (s *Segment) Accept(t types.ResourceType, amount int) bool {
	if !s.CanAccept(t, amount) {
		return false
	}
	s.parcels = append(s.parcels, Parcel{Type: t, Amount: amount})
	return true
}

// Peek 返回已到达出口的货包，不移除
func (s *Segment) Peek() (types.ResourceType, int, bool) {
	if len(s.parcels) == 0 || s.parcels[0].Progress < 1 {
		return "", 0, false
	}
	return s.parcels[0].Type, s.parcels[0].Amount, true
}

// Take 实现 types.Source，等同于 PopExit
func (s *Segment) Take() (types.ResourceType, int, bool) {
	p, ok := s.PopExit()
	return p.Type, p.Amount, ok
}

// PopExit 仅当出口货包 progress >= 1 时移除并返回它
// 调用方必须先确认下游能接收，否则货包会丢失
func (s *Segment) PopExit() (Parcel, bool) {
	if len(s.parcels) == 0 || s.parcels[0].Progress < 1 {
		return Parcel{}, false
	}
	p := s.parcels[0]
	s.parcels = s.parcels[1:]
	return p, true
}

// Tick 推进货包，并按传输周期做一次出口交付和一次入口拉取
func (s *Segment) Tick(dt float64) {
	if dt <= 0 {
		return
	}
	s.advance(dt)

	s.transferTimer += dt
	if s.transferTimer < s.transferInterval {
		return
	}
	s.transferTimer -= s.transferInterval
	if s.transferTimer > s.transferInterval {
		// 长帧不累积多次传输
		s.transferTimer = s.transferInterval
	}
	s.handoff()
	s.pull()
}

// advance 从出口向入口依次推进，每个货包不超过前一个货包减去最小间距
// 出口货包停在 1，阻塞沿队列向后传递
func (s *Segment) advance(dt float64) {
	delta := s.speed * dt / s.length
	for i := range s.parcels {
		limit := 1.0
		if i > 0 {
			limit = s.parcels[i-1].Progress - s.minSpacing
		}
		next := min(s.parcels[i].Progress+delta, limit)
		if next > s.parcels[i].Progress {
			s.parcels[i].Progress = next
		}
	}
}

func (s *Segment) handoff() {
	if s.output == nil {
		return
	}
	t, n, ok := s.Peek()
	if !ok || !s.output.CanAccept(t, n) {
		return
	}
	s.PopExit()
	if !s.output.Accept(t, n) {
		s.logger.Error("下游接收失败，货包丢失", "resource", t, "amount", n)
	}
}

func (s *Segment) pull() {
	if s.input == nil {
		return
	}
	t, n, ok := s.input.Peek()
	if !ok || !s.CanAccept(t, n) {
		return
	}
	if t, n, ok = s.input.Take(); ok {
		s.Accept(t, n)
	}
}

// Snapshot 导出货包列表 (按出口到入口的顺序)
func (s *Segment) Snapshot() []Parcel {
	return s.Parcels()
}

// Restore 用持久化的货包覆盖当前状态，要求排序和间距约束成立
func (s *Segment) Restore(parcels []Parcel) error {
	if len(parcels) > s.maxParcels {
		return fmt.Errorf("%w: segment %s restoring %d parcels, max %d", ErrInvalidSegment, s.id, len(parcels), s.maxParcels)
	}
	for i, p := range parcels {
		if p.Type == "" || p.Amount <= 0 || p.Progress < 0 || p.Progress > 1 {
			return fmt.Errorf("%w: segment %s parcel %d is malformed", ErrInvalidSegment, s.id, i)
		}
		if i > 0 && parcels[i-1].Progress-p.Progress < s.minSpacing-spacingEpsilon {
			return fmt.Errorf("%w: segment %s parcels %d and %d violate spacing", ErrInvalidSegment, s.id, i-1, i)
		}
	}
	s.parcels = append(s.parcels[:0], parcels...)
	return nil
}
