package types

import (
	"fmt"
	"strings"
)

// ResourceType 定义资源种类的标识
// 使用字符串类型，方便在日志、配置和 JSON 中直接使用；排序仅用于展示
type ResourceType string

// Priority 定义存储节点和资源请求的优先级
// 数值越大优先级越高
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority 将配置中的优先级名称 (low/normal/high/critical) 转换为 Priority
func ParsePriority(s string) (Priority, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return PriorityNormal, nil
	}
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// Ingredient 表示一条配方用料（或产出）：资源种类 + 数量
type Ingredient struct {
	Type   ResourceType `mapstructure:"type" json:"type"`
	Amount int          `mapstructure:"amount" json:"amount"`
}

// Recipe 定义一个可生产的配方
type Recipe struct {
	ID            string       `mapstructure:"id" json:"id"`                         // 配方唯一标识，持久化时只保存该 ID
	Name          string       `mapstructure:"name" json:"name,omitempty"`           // 展示名称
	StationType   string       `mapstructure:"station_type" json:"station_type"`     // 要求的工站类型，为空表示任意工站
	MinLevel      int          `mapstructure:"min_level" json:"min_level"`           // 要求的最低工站等级
	RequiresPower bool         `mapstructure:"requires_power" json:"requires_power"` // 是否需要供电
	Ingredients   []Ingredient `mapstructure:"ingredients" json:"ingredients"`       // 用料清单
	Output        Ingredient   `mapstructure:"output" json:"output"`                 // 产出
	Duration      float64      `mapstructure:"duration" json:"duration"`             // 生产耗时 (模拟秒)
}

// Validate 检查配方的数值约束
func (r *Recipe) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("recipe id is empty")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("recipe %s: duration must be positive", r.ID)
	}
	if r.Output.Type == "" || r.Output.Amount <= 0 {
		return fmt.Errorf("recipe %s: output must name a type and a positive amount", r.ID)
	}
	for _, in := range r.Ingredients {
		if in.Type == "" || in.Amount <= 0 {
			return fmt.Errorf("recipe %s: ingredient %q needs a positive amount", r.ID, in.Type)
		}
	}
	return nil
}

// Catalog 是配方目录，Key 为配方 ID
type Catalog map[string]*Recipe

// NewCatalog 校验并收录配方
func NewCatalog(recipes []Recipe) (Catalog, error) {
	c := make(Catalog, len(recipes))
	for i := range recipes {
		r := recipes[i]
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c[r.ID]; dup {
			return nil, fmt.Errorf("duplicate recipe id %s", r.ID)
		}
		c[r.ID] = &r
	}
	return c, nil
}

// Lookup 按 ID 查找配方
func (c Catalog) Lookup(id string) (*Recipe, bool) {
	r, ok := c[id]
	return r, ok
}

// Source 是可以逐个取出货包的上游 (传送带出口、容器出料口)
// 调用方必须先 Peek 检查下游容量，再 Take，避免取出后无处安放
type Source interface {
	Peek() (ResourceType, int, bool)
	Take() (ResourceType, int, bool)
}

// Sink 是可以接收货包的下游 (传送带入口、容器)
type Sink interface {
	CanAccept(t ResourceType, amount int) bool
	Accept(t ResourceType, amount int) bool
}
