package logistics

import (
	"factory-logistics/internal/inventory"
	"factory-logistics/internal/types"
	"fmt"
	"time"
)

// RequestRecord 是请求的可序列化形式，目标容器只保存 ID
type RequestRecord struct {
	ID            string             `json:"id"`
	Type          types.ResourceType `json:"type"`
	Amount        int                `json:"amount"`
	DestinationID string             `json:"destination_id"`
	Priority      types.Priority     `json:"priority"`
	CreatedAt     time.Time          `json:"created_at"`
}

// StorageRecord 是注册表项的可序列化形式
type StorageRecord struct {
	ContainerID string         `json:"container_id"`
	Priority    types.Priority `json:"priority"`
	IsInput     bool           `json:"is_input"`
	IsOutput    bool           `json:"is_output"`
}

// State 是代理需要持久化的状态：注册表和待处理请求
type State struct {
	Storages []StorageRecord `json:"storages"`
	Requests []RequestRecord `json:"requests"`
}

func recordOf(r *Request) RequestRecord {
	return RequestRecord{
		ID:            r.ID,
		Type:          r.Type,
		Amount:        r.Amount,
		DestinationID: r.Destination.ID(),
		Priority:      r.Priority,
		CreatedAt:     r.CreatedAt,
	}
}

// Snapshot 导出注册表 (按当前排序) 和待处理请求 (按处理顺序)
func (b *Broker) Snapshot() State {
	st := State{
		Storages: make([]StorageRecord, len(b.nodes)),
		Requests: make([]RequestRecord, 0, b.pending.Len()),
	}
	for i, n := range b.nodes {
		st.Storages[i] = StorageRecord{ContainerID: n.Container.ID(), Priority: n.Priority, IsInput: n.IsInput, IsOutput: n.IsOutput}
	}
	for _, r := range b.Pending() {
		st.Requests = append(st.Requests, recordOf(&r))
	}
	return st
}

// Restore 用持久化状态替换注册表和请求队列，不发送通知也不写日志
func (b *Broker) Restore(st State, containers map[string]*inventory.Container) error {
	b.nodes = nil
	b.nodeSeq = 0
	for _, s := range st.Storages {
		c, ok := containers[s.ContainerID]
		if !ok {
			return fmt.Errorf("broker: unknown storage container %s", s.ContainerID)
		}
		b.nodeSeq++
		b.nodes = append(b.nodes, &StorageNode{Container: c, Priority: s.Priority, IsInput: s.IsInput, IsOutput: s.IsOutput, seq: b.nodeSeq})
	}
	b.sortNodes()

	b.pending = b.pending[:0]
	_, err := b.RecoverRequests(st.Requests, containers)
	return err
}

// RecoverRequests 把日志或快照中的请求放回队列，跳过已经在队列中的 ID
// 目标容器未知的请求直接丢弃并返回错误
func (b *Broker) RecoverRequests(records []RequestRecord, containers map[string]*inventory.Container) (int, error) {
	known := make(map[string]bool, b.pending.Len())
	for _, r := range b.pending {
		known[r.ID] = true
	}
	recovered := 0
	var firstErr error
	for _, rec := range records {
		if known[rec.ID] {
			continue
		}
		dest, ok := containers[rec.DestinationID]
		if !ok || rec.Amount <= 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("broker: cannot recover request %s for container %q", rec.ID, rec.DestinationID)
			}
			continue
		}
		b.push(&Request{
			ID:          rec.ID,
			Type:        rec.Type,
			Amount:      rec.Amount,
			Destination: dest,
			Priority:    rec.Priority,
			CreatedAt:   rec.CreatedAt,
		})
		known[rec.ID] = true
		recovered++
	}
	return recovered, firstErr
}
