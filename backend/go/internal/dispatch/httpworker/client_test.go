package httpworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/channel"
	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/internal/dispatch/execjob"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker follows the HTTP worker convention; each job finishes after
// a fixed number of status polls.
type fakeWorker struct {
	mu      sync.Mutex
	ready   bool
	accept  bool
	polls   map[string]int
	jobs    map[string]execjob.Job
	outcome func(job execjob.Job) JobState
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{
		ready:  true,
		accept: true,
		polls:  map[string]int{},
		jobs:   map[string]execjob.Job{},
		outcome: func(job execjob.Job) JobState {
			return JobState{JobID: job.ID, Status: StatusSuccess, Result: map[string]interface{}{"class": job.Class}}
		},
	}
}

func (f *fakeWorker) pollCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[id]
}

func (f *fakeWorker) job(id string) execjob.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeWorker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/health/ready":
		_ = json.NewEncoder(w).Encode(map[string]bool{"ready": f.ready})
	case r.Method == http.MethodPost && r.URL.Path == "/job":
		var job execjob.Job
		_ = json.NewDecoder(r.Body).Decode(&job)
		if !f.accept {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"accepted": false})
			return
		}
		f.jobs[job.ID] = job
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"accepted": true, "job_id": job.ID})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/job/"):
		id := strings.TrimPrefix(r.URL.Path, "/job/")
		job, ok := f.jobs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		f.polls[id]++
		if f.polls[id] < 3 {
			_ = json.NewEncoder(w).Encode(JobState{JobID: id, Status: StatusRunning})
			return
		}
		_ = json.NewEncoder(w).Encode(f.outcome(job))
	default:
		http.NotFound(w, r)
	}
}

func newPool(t *testing.T, f *fakeWorker) *Pool {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, 5*time.Millisecond, config.CircuitBreakerConfig{}, nil)
	require.NoError(t, err)
	p := NewPool(0)
	p.Add("ocr", c)
	return p
}

func TestPoolExecutesAndAwaitsCompletion(t *testing.T) {
	f := newFakeWorker()
	p := newPool(t, f)
	ctx := context.Background()

	assert.True(t, p.Ready(ctx, "ocr"))
	assert.False(t, p.Ready(ctx, "unknown"))

	res, err := p.Execute(ctx, &channel.ExecuteTaskRequest{TaskID: "t1", HandlerID: "ocr", Input: map[string]interface{}{"page": 1.0}})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"class": "ocr"}, res.Output)
	assert.Equal(t, 3, f.pollCount("t1"))
	assert.Equal(t, map[string]interface{}{"page": 1.0}, f.job("t1").Input)
}

func TestFailedJobIsAppOrigin(t *testing.T) {
	f := newFakeWorker()
	f.outcome = func(job execjob.Job) JobState {
		return JobState{JobID: job.ID, Status: StatusFailed, Error: json.RawMessage(`"unreadable scan"`)}
	}
	p := newPool(t, f)

	_, err := p.Execute(context.Background(), &channel.ExecuteTaskRequest{TaskID: "t2", HandlerID: "ocr"})
	ae := apperror.From(err)
	assert.Equal(t, apperror.OriginApp, ae.Origin)
	assert.Equal(t, apperror.CodeHTTPWorkerFailed, ae.Code)
	assert.Equal(t, "unreadable scan", ae.Message)
}

func TestFailedJobWithEnvelope(t *testing.T) {
	st := JobState{Status: StatusFailed, Error: json.RawMessage(
		`{"origin":"internal","class":"transient","code":"GPU_BUSY","message":"busy","retry":{"retry":true,"delayMs":2000}}`)}
	fault := st.Fault()
	assert.Equal(t, apperror.OriginApp, fault.Origin)
	assert.Equal(t, "GPU_BUSY", fault.Code)
	assert.True(t, fault.Retry)
	assert.Equal(t, 2*time.Second, fault.RetryDelay)
}

func TestRejectedSubmission(t *testing.T) {
	f := newFakeWorker()
	f.accept = false
	p := newPool(t, f)

	_, err := p.Execute(context.Background(), &channel.ExecuteTaskRequest{TaskID: "t3", HandlerID: "ocr"})
	ae := apperror.From(err)
	assert.Equal(t, apperror.CodeHTTPWorkerRejected, ae.Code)
	assert.Equal(t, apperror.ClassTransient, ae.Class)
	assert.Equal(t, apperror.OriginInternal, ae.Origin)
}

func TestAwaitStopsOnContextCancel(t *testing.T) {
	f := newFakeWorker()
	srv := httptest.NewServer(f)
	defer srv.Close()
	c, err := NewClient(srv.URL, time.Hour, config.CircuitBreakerConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, c.Submit(context.Background(), execjob.Job{ID: "slow", Class: "ocr"}))

	ctx, cancel := context.WithCancel(context.Background())
	done := c.Await(ctx, "slow")
	cancel()
	select {
	case comp := <-done:
		require.NotNil(t, comp.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not observe cancellation")
	}
	_, open := <-done
	assert.False(t, open)
}

func TestStuckJobTimesOut(t *testing.T) {
	f := newFakeWorker()
	f.outcome = func(job execjob.Job) JobState {
		return JobState{JobID: job.ID, Status: StatusRunning}
	}
	p := newPool(t, f)
	p.SetTimeout("ocr", 80*time.Millisecond)

	start := time.Now()
	_, err := p.Execute(context.Background(), &channel.ExecuteTaskRequest{TaskID: "t4", HandlerID: "ocr"})
	assert.Less(t, time.Since(start), 2*time.Second)
	ae := apperror.From(err)
	require.NotNil(t, ae)
	assert.Equal(t, apperror.CodeHTTPWorkerTimeout, ae.Code)
	assert.Equal(t, apperror.OriginInternal, ae.Origin)
	assert.Equal(t, apperror.ClassTransient, ae.Class)
	assert.Greater(t, f.pollCount("t4"), 3)
}
