package persistence

import (
	"bufio"
	"encoding/json"
	"factory-logistics/internal/logistics"
	"io"
	"os"
	"sync"
)

const (
	entryRequest  = "REQUEST"
	entryComplete = "COMPLETE"
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type      string                   `json:"type"`                 // 日志类型: "REQUEST" (新请求) 或 "COMPLETE" (请求结束)
	Request   *logistics.RequestRecord `json:"request,omitempty"`    // 新请求的完整数据
	RequestID string                   `json:"request_id,omitempty"` // 请求结束时只记录 ID
}

// WAL (Write-Ahead Log) 持久化物流请求，进程崩溃后可以恢复未结束的请求
// 实现了 logistics.Journal
type WAL struct {
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Append 将一个新请求写入日志
func (w *WAL) Append(rec logistics.RequestRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(LogEntry{Type: entryRequest, Request: &rec})
}

// Complete 标记请求已结束 (完成、取消、丢弃或过期)
func (w *WAL) Complete(requestID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(LogEntry{Type: entryComplete, RequestID: requestID})
}

func (w *WAL) write(entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘
	return w.file.Sync()
}

// Recover 返回已提交但未结束的请求，按写入顺序排列
// 在系统启动时调用
func (w *WAL) Recover() ([]logistics.RequestRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var order []string
	pending := make(map[string]logistics.RequestRecord)
	completed := make(map[string]bool)

	scanner := bufio.NewScanner(w.file)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行 (通常是崩溃时写了一半)
			continue
		}
		switch entry.Type {
		case entryRequest:
			if entry.Request == nil || entry.Request.ID == "" {
				continue
			}
			if _, seen := pending[entry.Request.ID]; !seen {
				order = append(order, entry.Request.ID)
			}
			pending[entry.Request.ID] = *entry.Request
		case entryComplete:
			completed[entry.RequestID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var recovered []logistics.RequestRecord
	for _, id := range order {
		if !completed[id] {
			recovered = append(recovered, pending[id])
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	size, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	// 崩溃留下的半行没有换行符，补上后新记录才不会与它粘在一起
	if size > 0 {
		last := make([]byte, 1)
		if _, err := w.file.ReadAt(last, size-1); err != nil {
			return nil, err
		}
		if last[0] != '\n' {
			if _, err := w.file.Write([]byte{'\n'}); err != nil {
				return nil, err
			}
		}
	}
	return recovered, nil
}

// Compact 用仍在等待的请求重写日志，丢弃已结束的记录
func (w *WAL) Compact(live []logistics.RequestRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for i := range live {
		if err := w.write(LogEntry{Type: entryRequest, Request: &live[i]}); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
