// Package execjob implements the exec-style worker convention: the job is
// passed as a base64 JSON argument, the result is written to a file named by
// an environment variable, and logs are emitted as LEVEL|["message", data]
// lines, optionally prefixed with JOB_ID_<id>|.
package execjob

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Foreman/backend/go/internal/models"
)

const (
	// ResultFileEnv names the file the worker must write its JSON result to.
	ResultFileEnv = "FOREMAN_RESULT_FILE"
	// TaskIDEnv carries the task id for workers that log on their own.
	TaskIDEnv = "FOREMAN_TASK_ID"

	jobPrefix = "JOB_ID_"

	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Job is the argument handed to the worker process.
type Job struct {
	ID    string      `json:"job_id"`
	Class string      `json:"job_class"`
	Input interface{} `json:"job_input"`
}

// FromTask builds the job for a task; the handler id is the job class.
func FromTask(task *models.Task) Job {
	var input interface{} = map[string]interface{}{}
	if task.InputData != nil {
		input = map[string]interface{}(task.InputData)
	}
	return Job{ID: task.ID, Class: task.HandlerID, Input: input}
}

// EncodeArg encodes job as base64(JSON).
func EncodeArg(job Job) (string, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeArg reverses EncodeArg.
func DecodeArg(arg string) (Job, error) {
	var job Job
	raw, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return job, fmt.Errorf("job argument is not base64: %w", err)
	}
	if err := json.Unmarshal(raw, &job); err != nil {
		return job, fmt.Errorf("job argument is not JSON: %w", err)
	}
	if job.ID == "" {
		return job, errors.New("job argument has no job_id")
	}
	return job, nil
}

// ResultPath is where the job's result file lives under dir.
func ResultPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+".json")
}

// Env returns the environment entries the worker expects.
func Env(job Job, resultDir string) map[string]string {
	return map[string]string{
		ResultFileEnv: ResultPath(resultDir, job.ID),
		TaskIDEnv:     job.ID,
	}
}

// WriteResult writes v as the job result.
func WriteResult(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// ReadResult decodes the JSON result file. A missing file means the worker
// exited without reporting.
func ReadResult(path string) (interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("result file %s is not JSON: %w", path, err)
	}
	return v, nil
}

// StreamFor returns the stream a level is written to.
func StreamFor(level models.JobLogLevel) string {
	switch level {
	case models.JobLogError, models.JobLogFatal:
		return StreamStderr
	}
	return StreamStdout
}

// FormatLogLine renders one log line. jobID may be empty for single-job processes.
func FormatLogLine(jobID string, level models.JobLogLevel, message string, data interface{}) (string, error) {
	body := []interface{}{message}
	if data != nil {
		body = append(body, data)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	line := string(level) + "|" + string(raw)
	if jobID != "" {
		line = jobPrefix + jobID + "|" + line
	}
	return line, nil
}

// ParseLogLine parses a line read from stream. Lines that do not follow the
// convention are kept as INFO (stdout) or ERROR (stderr) plain messages.
func ParseLogLine(line, stream string, now time.Time) models.JobLogEntry {
	entry := models.JobLogEntry{Timestamp: now, Stream: stream}
	rest := strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(rest, jobPrefix) {
		if i := strings.IndexByte(rest, '|'); i > 0 {
			entry.JobID = rest[len(jobPrefix):i]
			entry.TaskID = entry.JobID
			rest = rest[i+1:]
		}
	}

	fallback := func() models.JobLogEntry {
		entry.Level = models.JobLogInfo
		if stream == StreamStderr {
			entry.Level = models.JobLogError
		}
		entry.Message = rest
		return entry
	}

	i := strings.IndexByte(rest, '|')
	if i <= 0 {
		return fallback()
	}
	level := models.JobLogLevel(rest[:i])
	switch level {
	case models.JobLogDebug, models.JobLogInfo, models.JobLogWarn, models.JobLogError, models.JobLogFatal:
	default:
		return fallback()
	}
	var body []json.RawMessage
	if err := json.Unmarshal([]byte(rest[i+1:]), &body); err != nil || len(body) == 0 {
		return fallback()
	}
	var msg string
	if err := json.Unmarshal(body[0], &msg); err != nil {
		msg = string(body[0])
	}
	entry.Level = level
	entry.Message = msg
	if len(body) > 1 {
		var data interface{}
		if err := json.Unmarshal(body[1], &data); err == nil {
			entry.Data = data
		}
	}
	return entry
}
