package logistics

import (
	"container/heap"
	"factory-logistics/internal/event"
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRequestsPerTick 每次策略周期最多处理的请求数
const DefaultMaxRequestsPerTick = 16

// StorageNode 是代理注册表中的一项，只持有容器的非拥有引用
type StorageNode struct {
	Container *inventory.Container
	Priority  types.Priority
	IsInput   bool // 能否作为请求的目标 (接收)
	IsOutput  bool // 能否作为请求的来源 (供给)

	seq uint64 // 注册序号，同优先级按注册顺序
}

// Journal 记录请求的生命周期，用于崩溃后恢复未完成的请求
type Journal interface {
	Append(rec RequestRecord) error
	Complete(requestID string) error
}

// Config 定义代理的参数
type Config struct {
	MaxRequestsPerTick int           // 每次 Tick 最多处理的请求数，<= 0 时使用默认值
	RequestTTL         time.Duration // 请求有效期，0 表示永不过期
}

// Option 定制代理
type Option func(*Broker)

// WithClock 替换时钟，测试中用于控制 CreatedAt
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithJournal 为请求接入预写日志
func WithJournal(j Journal) Option {
	return func(b *Broker) { b.journal = j }
}

// Broker 是物流代理：维护按优先级排序的存储注册表和待处理请求队列，
// 在周期性的 Tick 中为请求寻找来源并在容器之间原子搬运
type Broker struct {
	nodes   []*StorageNode // 按优先级降序，同优先级按注册顺序
	nodeSeq uint64

	pending requestQueue
	reqSeq  uint64

	maxPerTick int
	ttl        time.Duration
	now        func() time.Time
	journal    Journal

	bus    *event.Bus
	logger *slog.Logger
}

// NewBroker 创建代理
func NewBroker(cfg Config, bus *event.Bus, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	maxPerTick := cfg.MaxRequestsPerTick
	if maxPerTick <= 0 {
		maxPerTick = DefaultMaxRequestsPerTick
	}
	b := &Broker{
		pending:    make(requestQueue, 0),
		maxPerTick: maxPerTick,
		ttl:        cfg.RequestTTL,
		now:        time.Now,
		bus:        bus,
		logger:     logger.With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register 注册容器；已注册时返回 false
func (b *Broker) Register(c *inventory.Container, p types.Priority, isInput, isOutput bool) bool {
	if c == nil || b.node(c) != nil {
		return false
	}
	b.nodeSeq++
	b.nodes = append(b.nodes, &StorageNode{Container: c, Priority: p, IsInput: isInput, IsOutput: isOutput, seq: b.nodeSeq})
	b.sortNodes()
	b.logger.Debug("存储节点注册", "container_id", c.ID(), "priority", p.String())
	b.bus.Publish(event.Event{Type: event.StorageRegistered, ComponentID: c.ID(), Priority: p})
	return true
}

// Unregister 注销容器；未注册时返回 false
func (b *Broker) Unregister(c *inventory.Container) bool {
	for i, n := range b.nodes {
		if n.Container == c {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.bus.Publish(event.Event{Type: event.StorageUnregistered, ComponentID: c.ID(), Priority: n.Priority})
			return true
		}
	}
	return false
}

// SetPriority 修改存储优先级并重新排序
func (b *Broker) SetPriority(c *inventory.Container, p types.Priority) bool {
	n := b.node(c)
	if n == nil {
		return false
	}
	n.Priority = p
	b.sortNodes()
	return true
}

// Nodes 返回注册表的副本 (按优先级顺序)
func (b *Broker) Nodes() []StorageNode {
	out := make([]StorageNode, len(b.nodes))
	for i, n := range b.nodes {
		out[i] = *n
	}
	return out
}

// SubmitRequest 提交资源请求，返回请求 ID
// 数量非正、目标为空或目标不是已注册的输入节点时拒绝
func (b *Broker) SubmitRequest(t types.ResourceType, amount int, dest *inventory.Container, p types.Priority) (string, bool) {
	if amount <= 0 || dest == nil || t == "" {
		return "", false
	}
	if n := b.node(dest); n == nil || !n.IsInput {
		b.logger.Debug("目标容器不是输入节点，拒绝请求", "container_id", dest.ID(), "resource", t)
		return "", false
	}
	r := &Request{
		ID:          uuid.NewString(),
		Type:        t,
		Amount:      amount,
		Destination: dest,
		Priority:    p,
		CreatedAt:   b.now(),
	}
	if b.journal != nil {
		if err := b.journal.Append(recordOf(r)); err != nil {
			// 请求仍然进入内存队列，只是崩溃后无法恢复
			b.logger.Error("写入请求日志失败", "error", err, "request_id", r.ID)
		}
	}
	b.push(r)
	b.bus.Publish(event.Event{Type: event.RequestSubmitted, RequestID: r.ID, TargetID: dest.ID(), Resource: t, Amount: amount, Priority: p})
	return r.ID, true
}

// CancelRequests 移除所有以该容器为目标的待处理请求，返回移除数量
func (b *Broker) CancelRequests(dest *inventory.Container) int {
	removed := b.removeWhere(func(r *Request) bool { return r.Destination == dest })
	for _, r := range removed {
		b.finish(r, event.RequestCancelled, "")
	}
	return len(removed)
}

// FindSource 在输出节点中按优先级找到第一个库存 >= minAmount 的容器
func (b *Broker) FindSource(t types.ResourceType, minAmount int) *inventory.Container {
	return b.findSource(t, minAmount, nil)
}

func (b *Broker) findSource(t types.ResourceType, minAmount int, exclude *inventory.Container) *inventory.Container {
	for _, n := range b.nodes {
		if n.IsOutput && n.Container != exclude && n.Container.Has(t, minAmount) {
			return n.Container
		}
	}
	return nil
}

// FindSpace 在输入节点中按优先级找到第一个能放下 amount 的容器
func (b *Broker) FindSpace(t types.ResourceType, amount int) *inventory.Container {
	for _, n := range b.nodes {
		if n.IsInput && n.Container.AvailableSpace(t) >= amount {
			return n.Container
		}
	}
	return nil
}

// TickResult 汇总一次策略周期的处理结果
type TickResult struct {
	Processed int
	Fulfilled int
	Dropped   int
	Expired   int
}

// Tick 按 (优先级降序, 创建时间升序) 处理最多 maxPerTick 个请求
// 找不到来源或目标已满的请求留在队列中等待下个周期
func (b *Broker) Tick() TickResult {
	var res TickResult
	if b.ttl > 0 {
		res.Expired = b.expire(b.now())
	}

	var retry []*Request
	for b.pending.Len() > 0 && res.Processed < b.maxPerTick {
		r := heap.Pop(&b.pending).(*Request)
		res.Processed++

		if n := b.node(r.Destination); n == nil || !n.IsInput {
			b.logger.Warn("目标容器已注销，丢弃请求", "request_id", r.ID, "container_id", r.Destination.ID())
			b.finish(r, event.RequestDropped, "")
			res.Dropped++
			continue
		}
		if source, ok := b.transfer(r); ok {
			b.finish(r, event.RequestFulfilled, source.ID())
			res.Fulfilled++
			continue
		}
		retry = append(retry, r)
	}
	for _, r := range retry {
		heap.Push(&b.pending, r)
	}
	return res
}

// transfer 先从来源取出，再放入目标；放入失败时把取出的量无条件退回来源
func (b *Broker) transfer(r *Request) (*inventory.Container, bool) {
	source := b.findSource(r.Type, r.Amount, r.Destination)
	if source == nil {
		return nil, false
	}
	if !source.Remove(r.Type, r.Amount) {
		return nil, false
	}
	if r.Destination.Add(r.Type, r.Amount) {
		return source, true
	}
	if !source.Add(r.Type, r.Amount) {
		b.logger.Error("补偿退回失败", "request_id", r.ID, "container_id", source.ID(), "resource", r.Type, "amount", r.Amount)
	}
	b.logger.Debug("目标容器已满，请求保留", "request_id", r.ID, "container_id", r.Destination.ID())
	return nil, false
}

// PendingCount 返回待处理请求数
func (b *Broker) PendingCount() int { return b.pending.Len() }

// Pending 按处理顺序返回待处理请求的副本
func (b *Broker) Pending() []Request {
	sorted := make([]*Request, len(b.pending))
	copy(sorted, b.pending)
	sort.Slice(sorted, func(i, j int) bool { return before(sorted[i], sorted[j]) })
	out := make([]Request, len(sorted))
	for i, r := range sorted {
		out[i] = *r
	}
	return out
}

// HasPending 报告是否已有以该容器为目标、该种类的待处理请求
func (b *Broker) HasPending(dest *inventory.Container, t types.ResourceType) bool {
	for _, r := range b.pending {
		if r.Destination == dest && r.Type == t {
			return true
		}
	}
	return false
}

func (b *Broker) expire(now time.Time) int {
	removed := b.removeWhere(func(r *Request) bool { return now.Sub(r.CreatedAt) >= b.ttl })
	for _, r := range removed {
		b.logger.Warn("请求已过期", "request_id", r.ID, "resource", r.Type, "age", now.Sub(r.CreatedAt).String())
		b.finish(r, event.RequestExpired, "")
	}
	return len(removed)
}

func (b *Broker) removeWhere(match func(*Request) bool) []*Request {
	var removed []*Request
	kept := b.pending[:0]
	for _, r := range b.pending {
		if match(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(b.pending); i++ {
		b.pending[i] = nil
	}
	b.pending = kept
	for i, r := range b.pending {
		r.index = i
	}
	heap.Init(&b.pending)
	return removed
}

func (b *Broker) finish(r *Request, et event.EventType, sourceID string) {
	if b.journal != nil {
		if err := b.journal.Complete(r.ID); err != nil {
			b.logger.Error("写入请求完成日志失败", "error", err, "request_id", r.ID)
		}
	}
	b.bus.Publish(event.Event{
		Type:      et,
		RequestID: r.ID,
		TargetID:  r.Destination.ID(),
		SourceID:  sourceID,
		Resource:  r.Type,
		Amount:    r.Amount,
		Priority:  r.Priority,
	})
}

func (b *Broker) push(r *Request) {
	b.reqSeq++
	r.seq = b.reqSeq
	heap.Push(&b.pending, r)
}

func (b *Broker) node(c *inventory.Container) *StorageNode {
	for _, n := range b.nodes {
		if n.Container == c {
			return n
		}
	}
	return nil
}

func (b *Broker) sortNodes() {
	sort.SliceStable(b.nodes, func(i, j int) bool {
		if b.nodes[i].Priority != b.nodes[j].Priority {
			return b.nodes[i].Priority > b.nodes[j].Priority
		}
		return b.nodes[i].seq < b.nodes[j].seq
	})
}
