package models

import "time"

// JobLogLevel 是 exec 类 worker 输出日志行的级别。
type JobLogLevel string

const (
	JobLogDebug JobLogLevel = "DEBUG"
	JobLogInfo  JobLogLevel = "INFO"
	JobLogWarn  JobLogLevel = "WARN"
	JobLogError JobLogLevel = "ERROR"
	JobLogFatal JobLogLevel = "FATAL"
)

// JobLogEntry 是从 worker 输出中解析出的一条结构化日志，会被发送到 Kafka 的日志主题。
type JobLogEntry struct {
	TaskID    string      `json:"task_id"`
	JobID     string      `json:"job_id"`
	Timestamp time.Time   `json:"timestamp"`
	Level     JobLogLevel `json:"level"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Stream    string      `json:"stream"` // stdout 或 stderr
}
