package model

import (
	"time"

	"homegate/internal/registry"
)

// ErrorResponse 是所有错误响应的格式
type ErrorResponse struct {
	Error string `json:"error"`
}

// AdvancedRequest 对应 PUT /api/v1/advanced
// RunRuleRequest 的 value 作为规则触发事件的值
type RunRuleRequest struct {
	Value interface{} `json:"value"`
}

type AdvancedRequest struct {
	Scripts *bool `json:"scripts"`
	Rules   *bool `json:"rules"`
}

// ScriptView 是脚本记录加上它声明的触发集合
type ScriptView struct {
	registry.ScriptDescriptor
	Triggers []string `json:"triggers"`
	Busy     bool     `json:"busy"`
}

// ControllerView 是控制器记录加上当前连接状态, 密码不会返回
type ControllerView struct {
	registry.ControllerConfig
	Status string `json:"status"`
}

// QueueStatus 描述一条队列的占用情况
type QueueStatus struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

// Status 对应 GET /api/v1/status
type Status struct {
	Version       string                 `json:"version"`
	Unit          string                 `json:"unit"`
	Uptime        string                 `json:"uptime"`
	Goroutines    int                    `json:"goroutines"`
	HeapMB        float64                `json:"heap_mb"`
	Workers       int                    `json:"workers"`
	Queues        map[string]QueueStatus `json:"queues"`
	PendingTimers []int                  `json:"pending_timers"`
	Time          time.Time              `json:"time"`
}

// WSMessage 是 websocket 推送的消息
type WSMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

const (
	WSTypeSnapshot = "snapshot"
	WSTypeValue    = "value"
)
