// Package types 定義了 warden 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending  JobStatus = "pending"  // 待處理：等待 consumer 認領
	StatusReserved JobStatus = "reserved" // 已認領：某個 worker process 正在執行
	StatusDone     JobStatus = "done"     // 完成
	StatusFailed   JobStatus = "failed"   // 超過 tries 上限，不再重試
)

// Job is one unit of queued work as seen by a Queue Consumer.
type Job struct {
	ID      JobID          `json:"id"`
	Queue   string         `json:"queue"`
	Name    string         `json:"name"` // handler name in the queue registry
	Payload map[string]any `json:"payload,omitempty"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`

	AvailableAt time.Time  `json:"available_at"`
	ReservedAt  *time.Time `json:"reserved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastError   string     `json:"last_error,omitempty"`
}

// TaskStatus 排程任務狀態
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
)

// TaskRecord is owned by the task store. The scheduler only reads the next
// due record and asks the store to run it.
type TaskRecord struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      TaskStatus     `json:"status"`
	RunAt       time.Time      `json:"run_at"`
	Interval    time.Duration  `json:"interval,omitempty"` // 0 = one-shot
	ExecutorPID int            `json:"executor_pid,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// WorkerState is the supervisor's view of one worker process.
type WorkerState struct {
	Service   string    `json:"service" yaml:"service"`
	Index     int       `json:"index" yaml:"index"`
	PID       int       `json:"pid" yaml:"pid"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	Restarts  int       `json:"restarts" yaml:"restarts"`
	Running   bool      `json:"running" yaml:"running"`
}

// Status is written by the master to its status file and served on the
// control socket.
type Status struct {
	PID       int           `json:"pid" yaml:"pid"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Services  []string      `json:"services" yaml:"services"`
	Workers   []WorkerState `json:"workers" yaml:"workers"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"updated_at"`
}

// ConnectionInfo describes one live connection inside a worker process.
type ConnectionInfo struct {
	Service    string    `json:"service" yaml:"service"`
	Worker     int       `json:"worker" yaml:"worker"`
	ID         uint64    `json:"id" yaml:"id"`
	Protocol   string    `json:"protocol" yaml:"protocol"`
	RemoteAddr string    `json:"remote_addr" yaml:"remote_addr"`
	Since      time.Time `json:"since" yaml:"since"`
	SendQueue  int       `json:"send_queue" yaml:"send_queue"`
}
