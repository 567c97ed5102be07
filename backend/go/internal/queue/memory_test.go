package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"Foreman/backend/go/internal/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDeliversToCompetingConsumers(t *testing.T) {
	q := NewMemory(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	wg.Add(10)
	for i := 0; i < 3; i++ {
		go func() {
			_ = q.Consume(ctx, KindTaskDispatch, func(_ context.Context, job *Job) error {
				mu.Lock()
				seen[job.TaskID]++
				mu.Unlock()
				wg.Done()
				return nil
			})
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Publish(ctx, NewDispatchJob(string(rune('a'+i)))))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs were not consumed")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 10)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestMemoryRejectsInvalidAndFullQueues(t *testing.T) {
	q := NewMemory(1, nil)
	ctx := context.Background()

	err := q.Publish(ctx, &Job{Kind: KindEventReceipt, EventID: "e1"})
	assert.Equal(t, apperror.ClassPermanent, apperror.From(err).Class)

	require.NoError(t, q.Publish(ctx, NewRetryJob("t1", time.Now())))
	err = q.Publish(ctx, NewRetryJob("t2", time.Now()))
	ae := apperror.From(err)
	assert.Equal(t, apperror.CodeQueueUnavailable, ae.Code)
	assert.True(t, ae.IsTransient())
	assert.Equal(t, 1, q.Len(KindTaskRetry))
}

func TestMemoryCloseStopsConsumers(t *testing.T) {
	q := NewMemory(1, nil)
	errc := make(chan error, 1)
	go func() {
		errc <- q.Consume(context.Background(), KindEventReceipt, func(context.Context, *Job) error { return nil })
	}()
	require.NoError(t, q.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.ErrorIs(t, q.Publish(context.Background(), NewDispatchJob("x")), ErrClosed)
}

func TestJobKeyAndTopic(t *testing.T) {
	assert.Equal(t, "t1", NewDispatchJob("t1").Key())
	assert.Equal(t, "e1/billing", NewReceiptJob("e1", "billing").Key())
	assert.Equal(t, "foreman.task_retry", Topic("foreman.", KindTaskRetry))
	assert.Len(t, Topics("x."), 3)
}
