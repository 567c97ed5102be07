// Package httpworker 是常驻 HTTP worker 的客户端。POST /job 只表示接受，
// 完成情况通过轮询 GET /job/{id} 得到，并经一个完成通道交给调用方。
package httpworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/dispatch/execjob"
	pkghttp "Foreman/backend/go/pkg/http"
	"Foreman/backend/go/pkg/logger"
)

// JobStatus 是 worker 报告的作业状态。
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusRunning JobStatus = "running"
	StatusSuccess JobStatus = "success"
	StatusFailed  JobStatus = "failed"
)

// Terminal 判断状态是否已结束。
func (s JobStatus) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

type readyResponse struct {
	Ready bool `json:"ready"`
}

type submitResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
}

// JobState 对应 GET /job/{id} 的响应。Error 可以是字符串或错误信封。
type JobState struct {
	JobID  string          `json:"job_id"`
	Status JobStatus       `json:"status"`
	Result interface{}     `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Fault 把 worker 报告的错误转成 app 来源的错误。
func (s *JobState) Fault() *apperror.Error {
	if len(s.Error) == 0 || string(s.Error) == "null" {
		return apperror.App(apperror.ClassPermanent, apperror.CodeHTTPWorkerFailed, "job failed without an error")
	}
	var env apperror.Envelope
	if err := json.Unmarshal(s.Error, &env); err == nil && env.Code != "" {
		e := apperror.FromEnvelope(&env)
		e.Origin = apperror.OriginApp
		return e
	}
	var msg string
	if err := json.Unmarshal(s.Error, &msg); err != nil {
		msg = string(s.Error)
	}
	return apperror.App(apperror.ClassPermanent, apperror.CodeHTTPWorkerFailed, msg)
}

// Completion 是一个作业的最终结果。
type Completion struct {
	JobID  string
	Result interface{}
	Err    *apperror.Error
}

// Client 访问一个 HTTP worker。
type Client struct {
	base     string
	http     *pkghttp.Client
	poll     time.Duration
	maxFails int
	log      *logger.Logger
}

// NewClient 创建客户端。poll 是 Await 的轮询间隔。
func NewClient(baseURL string, poll time.Duration, breaker config.CircuitBreakerConfig, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.New("HTTPWorker", "", "")
	}
	if poll <= 0 {
		poll = time.Second
	}
	hc, err := pkghttp.NewClient(pkghttp.ClientOptions{
		Name:    "http-worker:" + baseURL,
		Timeout: 10 * time.Second,
		Breaker: breaker,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc, poll: poll, maxFails: 3, log: log}, nil
}

// Ready 调用 GET /health/ready。
func (c *Client) Ready(ctx context.Context) (bool, error) {
	var out readyResponse
	status, err := c.do(ctx, http.MethodGet, "/health/ready", nil, &out)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK && out.Ready, nil
}

// Submit 调用 POST /job。worker 只确认接受，不等待执行。
func (c *Client) Submit(ctx context.Context, job execjob.Job) error {
	var out submitResponse
	status, err := c.do(ctx, http.MethodPost, "/job", job, &out)
	if err != nil {
		return apperror.Transient(apperror.CodeHTTPWorkerRejected, "job submission failed").WithCause(err)
	}
	if status/100 != 2 || !out.Accepted {
		return apperror.Transient(apperror.CodeHTTPWorkerRejected,
			fmt.Sprintf("worker did not accept job %s (HTTP %d)", job.ID, status)).
			WithDetails(map[string]interface{}{"status": status, "jobId": job.ID})
	}
	if out.JobID != "" && out.JobID != job.ID {
		return apperror.Permanent(apperror.CodeHTTPWorkerRejected,
			fmt.Sprintf("worker acknowledged job %s as %s", job.ID, out.JobID))
	}
	return nil
}

// Status 调用 GET /job/{id}。
func (c *Client) Status(ctx context.Context, jobID string) (*JobState, error) {
	var out JobState
	status, err := c.do(ctx, http.MethodGet, "/job/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("job status for %s: HTTP %d", jobID, status)
	}
	return &out, nil
}

// Await 在后台轮询作业直到结束，结果只发送一次，随后关闭通道。
// ctx 结束或连续多次查询失败时以 internal 来源的错误结束。
func (c *Client) Await(ctx context.Context, jobID string) <-chan Completion {
	done := make(chan Completion, 1)
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.poll)
		defer ticker.Stop()
		fails := 0
		for {
			st, err := c.Status(ctx, jobID)
			switch {
			case err != nil:
				fails++
				c.log.WithFault(err).WithPayload(map[string]interface{}{"job_id": jobID, "fails": fails}).Debug("查询作业状态失败")
				if fails >= c.maxFails {
					done <- Completion{JobID: jobID, Err: apperror.Transient(apperror.CodeWorkerDispatchFailed,
						fmt.Sprintf("lost track of job %s", jobID)).WithCause(err)}
					return
				}
			case st.Status == StatusSuccess:
				done <- Completion{JobID: jobID, Result: st.Result}
				return
			case st.Status == StatusFailed:
				done <- Completion{JobID: jobID, Err: st.Fault()}
				return
			default:
				fails = 0
			}
			select {
			case <-ctx.Done():
				done <- Completion{JobID: jobID, Err: apperror.From(ctx.Err())}
				return
			case <-ticker.C:
			}
		}
	}()
	return done
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}
