package progress

import (
	"time"
)

// EventType 进度事件类型
type EventType string

const (
	// EventProgress 每批处理完成后的进度
	EventProgress EventType = "progress"
	// EventStepComplete 单个实体映射处理完成
	EventStepComplete EventType = "step_complete"
	// EventError 迁移因致命错误失败
	EventError EventType = "error"
	// EventComplete 迁移全部完成
	EventComplete EventType = "complete"
	// EventKeepalive 空闲时的保活事件，不会被广播
	EventKeepalive EventType = "keepalive"
)

// Counts 事件携带的计数
type Counts struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Event 进度事件，只广播不持久化
type Event struct {
	Type         EventType `json:"type"`
	Phase        string    `json:"phase,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	Counts       *Counts   `json:"counts,omitempty"`
	TotalRecords *int64    `json:"total_records,omitempty"`
	Simulated    int64     `json:"simulated,omitempty"`
	Message      string    `json:"message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsTerminal complete 与 error 事件表示订阅者应结束会话
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// NewProgress 创建 progress 事件，total 为 nil 表示源端未提供总数
func NewProgress(phase string, c Counts, total *int64, message string) Event {
	return Event{Type: EventProgress, Phase: phase, Counts: &c, TotalRecords: total, Message: message, Timestamp: time.Now()}
}

// NewStepComplete 创建 step_complete 事件
func NewStepComplete(step string, c Counts) Event {
	return Event{Type: EventStepComplete, StepName: step, Counts: &c, Timestamp: time.Now()}
}

// NewError 创建 error 事件
func NewError(message string) Event {
	return Event{Type: EventError, Message: message, Timestamp: time.Now()}
}

// NewComplete 创建 complete 事件
func NewComplete(totals Counts, simulated int64) Event {
	return Event{Type: EventComplete, Counts: &totals, Simulated: simulated, Timestamp: time.Now()}
}

// NewKeepalive 创建保活事件
func NewKeepalive() Event {
	return Event{Type: EventKeepalive, Timestamp: time.Now()}
}
