package event

import (
	"factory-logistics/internal/types"
	"sync"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	ResourceAdded   EventType = "ResourceAdded"   // 容器中资源增加
	ResourceRemoved EventType = "ResourceRemoved" // 容器中资源减少

	CraftStarted    EventType = "CraftStarted"    // 工站开始生产
	CraftCompleted  EventType = "CraftCompleted"  // 工站完成生产
	CraftCancelled  EventType = "CraftCancelled"  // 生产被取消并退料
	OutputDiscarded EventType = "OutputDiscarded" // 产出容器已满，产出被丢弃
	QueueChanged    EventType = "QueueChanged"    // 工站队列长度变化

	StorageRegistered   EventType = "StorageRegistered"   // 存储节点注册
	StorageUnregistered EventType = "StorageUnregistered" // 存储节点注销
	RequestSubmitted    EventType = "RequestSubmitted"    // 资源请求提交
	RequestFulfilled    EventType = "RequestFulfilled"    // 资源请求完成
	RequestCancelled    EventType = "RequestCancelled"    // 资源请求被取消
	RequestDropped      EventType = "RequestDropped"      // 目标容器已注销，请求被丢弃
	RequestExpired      EventType = "RequestExpired"      // 请求超过 TTL 被移除
)

// Event 结构体定义了事件的数据负载
// 不同事件只填充相关字段
type Event struct {
	Type        EventType          // 事件类型
	ComponentID string             // 关联的组件 ID (容器/工站/代理)
	Resource    types.ResourceType // 关联的资源种类
	Amount      int                // 本次变化的数量
	Count       int                // 变化后的库存 (仅容器事件)
	RecipeID    string             // 关联的配方 ID (仅工站事件)
	QueueLength int                // 变化后的队列长度 (仅 QueueChanged)
	RequestID   string             // 关联的请求 ID (仅代理事件)
	TargetID    string             // 请求的目标容器 ID
	SourceID    string             // 请求的来源容器 ID (仅 RequestFulfilled)
	Priority    types.Priority     // 请求或存储节点的优先级
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
// 模拟是单线程推进的，处理器在 Publish 调用内同步执行，保证通知顺序与状态变更顺序一致
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll 为多个事件类型注册同一个处理器
func (b *Bus) SubscribeAll(handler Handler, eventTypes ...EventType) {
	for _, t := range eventTypes {
		b.Subscribe(t, handler)
	}
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// nil 总线上的 Publish 是空操作，组件可以不接总线运行
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	// 处理器中不要再订阅新的处理器，这里只读取快照
	for _, handler := range handlers {
		handler(e)
	}
}
