package inventory

import "factory-logistics/internal/types"

// Outlet 把容器包装成 types.Source，每次取出一批资源作为一个货包
// 用于从仓库或工站产出口向传送带、分流器出料
type Outlet struct {
	container *Container
	batch     int                // 每个货包的最大数量
	only      types.ResourceType // 非空时只取该种类
}

// NewOutlet 创建出料口；batch <= 0 时按 1 处理
func NewOutlet(c *Container, batch int, only types.ResourceType) *Outlet {
	if batch <= 0 {
		batch = 1
	}
	return &Outlet{container: c, batch: batch, only: only}
}

// Peek 返回下一个将被取出的货包，不修改容器
func (o *Outlet) Peek() (types.ResourceType, int, bool) {
	if o.only != "" {
		n := o.container.Count(o.only)
		if n == 0 {
			return "", 0, false
		}
		return o.only, min(n, o.batch), true
	}
	present := o.container.Types()
	if len(present) == 0 {
		return "", 0, false
	}
	t := present[0]
	return t, min(o.container.Count(t), o.batch), true
}

// Take 取出 Peek 返回的货包
func (o *Outlet) Take() (types.ResourceType, int, bool) {
	t, n, ok := o.Peek()
	if !ok || !o.container.Remove(t, n) {
		return "", 0, false
	}
	return t, n, true
}

// CanAccept 让分流器可以把货包退回出料口
func (o *Outlet) CanAccept(t types.ResourceType, amount int) bool {
	return o.container.CanAccept(t, amount)
}

// Accept 把货包放回容器
func (o *Outlet) Accept(t types.ResourceType, amount int) bool {
	return o.container.Add(t, amount)
}
