package logistics

import (
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"time"
)

// Request 是一条资源请求：把 Amount 个 Type 送到 Destination
type Request struct {
	ID          string
	Type        types.ResourceType
	Amount      int
	Destination *inventory.Container
	Priority    types.Priority
	CreatedAt   time.Time

	seq   uint64 // 提交序号，CreatedAt 相同时保证 FIFO
	index int    // 元素在堆中的索引
}

// requestQueue 实现了 heap.Interface 接口
// 优先级高的先出；优先级相同时 CreatedAt 早的先出
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

// Less 定义了元素的排序规则：最大优先级 + FIFO
func (q requestQueue) Less(i, j int) bool {
	return before(q[i], q[j])
}

func before(a, b *Request) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// Swap 交换两个元素的位置
func (q requestQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

// Push 向队列中添加元素
func (q *requestQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*Request)
	item.index = n
	*q = append(*q, item)
}

// Pop 从队列中移除并返回优先级最高的元素
func (q *requestQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	item.index = -1
	*q = old[0 : n-1]
	return item
}
