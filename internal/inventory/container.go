package inventory

import (
	"errors"
	"factory-logistics/internal/event"
	"factory-logistics/internal/types"
	"fmt"
	"sort"
)

// ErrInvalidCapacity 表示构造参数违反容量约束
var ErrInvalidCapacity = errors.New("invalid container capacity")

// Container 是有界的多种类资源存储
// 约束：count[type] <= perTypeCapacity；种类数 <= slotCapacity；
// allowed 非空时只允许其中的种类出现。数量为 0 的种类不出现在 counts 中。
type Container struct {
	id              string                          // 容器 ID，用于事件和持久化
	slotCapacity    int                             // 最多可存放的资源种类数
	perTypeCapacity int                             // 每种资源的数量上限
	allowed         map[types.ResourceType]struct{} // 允许的资源种类，空表示不限制
	counts          map[types.ResourceType]int      // 当前库存
	bus             *event.Bus                      // 变更通知，可为 nil
}

// NewContainer 创建容器；容量非法时返回错误
func NewContainer(id string, slotCapacity, perTypeCapacity int, allowed []types.ResourceType, bus *event.Bus) (*Container, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidCapacity)
	}
	if slotCapacity <= 0 || perTypeCapacity <= 0 {
		return nil, fmt.Errorf("%w: container %s slots=%d per_type=%d", ErrInvalidCapacity, id, slotCapacity, perTypeCapacity)
	}
	c := &Container{
		id:              id,
		slotCapacity:    slotCapacity,
		perTypeCapacity: perTypeCapacity,
		counts:          make(map[types.ResourceType]int),
		bus:             bus,
	}
	if len(allowed) > 0 {
		c.allowed = make(map[types.ResourceType]struct{}, len(allowed))
		for _, t := range allowed {
			c.allowed[t] = struct{}{}
		}
	}
	return c, nil
}

func (c *Container) ID() string           { return c.id }
func (c *Container) SlotCapacity() int    { return c.slotCapacity }
func (c *Container) PerTypeCapacity() int { return c.perTypeCapacity }

// Allows 报告过滤器是否允许该种类
func (c *Container) Allows(t types.ResourceType) bool {
	if len(c.allowed) == 0 {
		return true
	}
	_, ok := c.allowed[t]
	return ok
}

// Count 返回某种资源的当前数量
func (c *Container) Count(t types.ResourceType) int {
	return c.counts[t]
}

// Has 当且仅当当前数量 >= amount
func (c *Container) Has(t types.ResourceType, amount int) bool {
	return c.counts[t] >= amount
}

// AvailableSpace 返回该种类还能放入的数量
// 种类已存在时为剩余额度；不存在时要求过滤器允许且有空余槽位，否则为 0
func (c *Container) AvailableSpace(t types.ResourceType) int {
	if n, ok := c.counts[t]; ok {
		return c.perTypeCapacity - n
	}
	if !c.Allows(t) || len(c.counts) >= c.slotCapacity {
		return 0
	}
	return c.perTypeCapacity
}

// Add 全量加入；任何一项检查失败都不修改状态
func (c *Container) Add(t types.ResourceType, amount int) bool {
	if amount <= 0 || amount > c.AvailableSpace(t) {
		return false
	}
	c.counts[t] += amount
	c.publish(event.ResourceAdded, t, amount)
	return true
}

// TryAddMax 按剩余额度截断后加入，返回实际加入的数量 (可能为 0)
func (c *Container) TryAddMax(t types.ResourceType, amount int) int {
	if amount <= 0 {
		return 0
	}
	n := min(amount, c.AvailableSpace(t))
	if n <= 0 {
		return 0
	}
	c.counts[t] += n
	c.publish(event.ResourceAdded, t, n)
	return n
}

// Remove 取出指定数量；数量不足时失败且不修改状态
func (c *Container) Remove(t types.ResourceType, amount int) bool {
	if amount <= 0 || c.counts[t] < amount {
		return false
	}
	c.counts[t] -= amount
	if c.counts[t] == 0 {
		delete(c.counts, t)
	}
	c.publish(event.ResourceRemoved, t, amount)
	return true
}

// CanAccept 实现 types.Sink
func (c *Container) CanAccept(t types.ResourceType, amount int) bool {
	return amount > 0 && c.AvailableSpace(t) >= amount
}

// Accept 实现 types.Sink
func (c *Container) Accept(t types.ResourceType, amount int) bool {
	return c.Add(t, amount)
}

// Types 返回当前存在的资源种类 (按名称排序，仅为了输出稳定)
func (c *Container) Types() []types.ResourceType {
	out := make([]types.ResourceType, 0, len(c.counts))
	for t := range c.counts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot 返回所有非零库存的只读副本
func (c *Container) Snapshot() map[types.ResourceType]int {
	out := make(map[types.ResourceType]int, len(c.counts))
	for t, n := range c.counts {
		out[t] = n
	}
	return out
}

// Restore 用持久化的库存覆盖当前状态，不发送通知
// 恢复的数据同样必须满足容量约束
func (c *Container) Restore(counts map[types.ResourceType]int) error {
	next := make(map[types.ResourceType]int, len(counts))
	for t, n := range counts {
		if n < 0 || n > c.perTypeCapacity {
			return fmt.Errorf("%w: container %s %s=%d", ErrInvalidCapacity, c.id, t, n)
		}
		if !c.Allows(t) {
			return fmt.Errorf("%w: container %s does not allow %s", ErrInvalidCapacity, c.id, t)
		}
		if n > 0 {
			next[t] = n
		}
	}
	if len(next) > c.slotCapacity {
		return fmt.Errorf("%w: container %s holds %d types, only %d slots", ErrInvalidCapacity, c.id, len(next), c.slotCapacity)
	}
	c.counts = next
	return nil
}

func (c *Container) publish(et event.EventType, t types.ResourceType, amount int) {
	c.bus.Publish(event.Event{
		Type:        et,
		ComponentID: c.id,
		Resource:    t,
		Amount:      amount,
		Count:       c.counts[t],
	})
}
