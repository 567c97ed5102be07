package httpworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/dispatch/execjob"
)

// DefaultJobTimeout 是没有单独配置时一个作业从提交到结束的最长时间。
const DefaultJobTimeout = 10 * time.Minute

// Pool 把每个 handlerID 映射到一个常驻 HTTP worker，实现 workerpool.Pool。
type Pool struct {
	mu       sync.RWMutex
	workers  map[string]*Client
	timeouts map[string]time.Duration
	timeout  time.Duration
}

// NewPool 创建一个空池。timeout 为 0 时使用 DefaultJobTimeout。
func NewPool(timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Pool{workers: make(map[string]*Client), timeouts: make(map[string]time.Duration), timeout: timeout}
}

// SetTimeout 为单个 handlerID 设置作业超时。
func (p *Pool) SetTimeout(handlerID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.timeouts[handlerID] = d
	}
}

func (p *Pool) jobTimeout(handlerID string) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d, ok := p.timeouts[handlerID]; ok {
		return d
	}
	return p.timeout
}

// Add 注册 handlerID 对应的 worker。
func (p *Pool) Add(handlerID string, c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[handlerID] = c
}

func (p *Pool) client(handlerID string) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.workers[handlerID]
}

// Name 实现 workerpool.Pool。
func (p *Pool) Name() string { return "http" }

// Ready 询问 worker 的 /health/ready。
func (p *Pool) Ready(ctx context.Context, handlerID string) bool {
	c := p.client(handlerID)
	if c == nil {
		return false
	}
	ok, err := c.Ready(ctx)
	if err != nil {
		c.log.WithFault(err).WithPayload(map[string]interface{}{"handler_id": handlerID}).Debug("HTTP worker 未就绪")
		return false
	}
	return ok
}

// Execute 提交作业并等待完成通道给出结果。作业超过 handlerID 的超时仍未结束时
// 返回 internal 来源的 HTTP_WORKER_TIMEOUT，可以重试。
func (p *Pool) Execute(ctx context.Context, req *channel.ExecuteTaskRequest) (*channel.ExecuteTaskResult, error) {
	c := p.client(req.HandlerID)
	if c == nil {
		return nil, apperror.Transient(apperror.CodeServerlessWorkerUnavailable, "no HTTP worker for "+req.HandlerID)
	}
	var input interface{} = map[string]interface{}{}
	if req.Input != nil {
		input = req.Input
	}
	job := execjob.Job{ID: req.TaskID, Class: req.HandlerID, Input: input}

	timeout := p.jobTimeout(req.HandlerID)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := c.Submit(jobCtx, job); err != nil {
		return nil, err
	}
	done := <-c.Await(jobCtx, job.ID)
	if done.Err != nil {
		if ctx.Err() == nil && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, apperror.Transient(apperror.CodeHTTPWorkerTimeout,
				fmt.Sprintf("job %s did not finish within %s", job.ID, timeout)).
				WithDetails(map[string]interface{}{"jobId": job.ID, "handlerId": req.HandlerID, "timeoutMs": timeout.Milliseconds()})
		}
		return nil, done.Err
	}
	return &channel.ExecuteTaskResult{Output: done.Result, DurationMs: time.Since(start).Milliseconds()}, nil
}
