package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/internal/registry"
	"Foreman/backend/go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) registry.Registry {
	t.Helper()
	r, err := registry.NewStatic(
		map[string][]string{"billing": {"billing:*"}},
		[]registry.Subscription{
			{Subscriber: "ledger", KeyPattern: "billing:*", HandlerKind: models.HandlerWorker, HandlerID: "ledger-sync"},
			{Subscriber: "archive", KeyPattern: "billing:*", HandlerKind: models.HandlerDocker, HandlerID: "pdf-export"},
			{Subscriber: "mailer", KeyPattern: "billing:invoice_created", HandlerKind: models.HandlerInternal, HandlerID: "notify"},
		})
	require.NoError(t, err)
	return r
}

func TestEmitCreatesOneUnclaimedReceiptPerSubscriber(t *testing.T) {
	st := store.NewMemory()
	bus := New(st, testRegistry(t), nil)
	ctx := context.Background()

	event, receipts, err := bus.Emit(ctx, EmitRequest{EmitterID: "billing", Key: "billing:invoice_created",
		Data: map[string]interface{}{"invoiceId": "inv-1", "amount": 42.0}})
	require.NoError(t, err)
	require.Len(t, receipts, 3)

	stored, err := bus.Receipts(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	subs := map[string]bool{}
	for _, r := range stored {
		assert.Nil(t, r.StartedAt)
		assert.Equal(t, "billing:invoice_created", r.EventKey)
		subs[r.Subscriber] = true
	}
	assert.Equal(t, map[string]bool{"ledger": true, "archive": true, "mailer": true}, subs)

	got, err := bus.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", got.Data["invoiceId"])
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	bus := New(store.NewMemory(), testRegistry(t), nil)
	ctx := context.Background()
	event, _, err := bus.Emit(ctx, EmitRequest{EmitterID: "billing", Key: "billing:invoice_created"})
	require.NoError(t, err)

	var (
		wins  int32
		start = make(chan struct{})
		wg    sync.WaitGroup
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := bus.ClaimReceipt(ctx, event.ID, "ledger")
			if assert.NoError(t, err) && ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	unclaimed, err := bus.ListUnclaimed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unclaimed, 2)

	_, err = bus.ClaimReceipt(ctx, event.ID, "nobody")
	assert.Equal(t, apperror.CodeEventNotFound, apperror.From(err).Code)
}

func TestEmitRejections(t *testing.T) {
	bus := New(store.NewMemory(), testRegistry(t), nil)
	ctx := context.Background()

	for name, tc := range map[string]struct {
		req  EmitRequest
		code string
	}{
		"forbidden emitter":  {EmitRequest{EmitterID: "shipping", Key: "billing:invoice_created"}, apperror.CodeForbiddenEmit},
		"key outside grant":  {EmitRequest{EmitterID: "billing", Key: "shipping:label"}, apperror.CodeForbiddenEmit},
		"bad key":            {EmitRequest{EmitterID: "billing", Key: "Billing Invoice"}, apperror.CodeInvalidEvent},
		"missing emitter":    {EmitRequest{Key: "billing:x"}, apperror.CodeInvalidEvent},
		"object sans folder": {EmitRequest{EmitterID: "billing", Key: "billing:x", TargetObjectID: "o1"}, apperror.CodeInvalidEvent},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := bus.Emit(ctx, tc.req)
			ae := apperror.From(err)
			require.NotNil(t, ae)
			assert.Equal(t, tc.code, ae.Code)
			assert.Equal(t, apperror.ClassPermanent, ae.Class)
			assert.False(t, ae.Retry)
		})
	}
	counts, err := bus.PendingCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEmitAcceptsAnyPayload(t *testing.T) {
	st := store.NewMemory()
	bus := New(st, testRegistry(t), nil)
	ctx := context.Background()

	data := map[string]interface{}{"paid": true, "lines": []interface{}{1.0, "two"}, "note": nil}
	event, receipts, err := bus.Emit(ctx, EmitRequest{EmitterID: "billing", Key: "billing:invoice_created", Data: data})
	require.NoError(t, err)
	assert.NotEmpty(t, receipts)

	stored, err := bus.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, data, stored.Data)
}

type failingStore struct {
	*store.Memory
}

func (f failingStore) InsertEvent(context.Context, *models.Event, []*models.EventReceipt) error {
	return errors.New("write conflict")
}

func TestStoreFailureIsTransientAndHookSkipped(t *testing.T) {
	called := false
	bus := New(failingStore{store.NewMemory()}, testRegistry(t), nil,
		WithEmitHook(func(context.Context, *models.Event, []*models.EventReceipt) { called = true }))

	_, _, err := bus.Emit(context.Background(), EmitRequest{EmitterID: "billing", Key: "billing:invoice_created"})
	ae := apperror.From(err)
	assert.Equal(t, apperror.CodeStoreUnavailable, ae.Code)
	assert.True(t, ae.IsTransient())
	assert.False(t, called)
}

func TestEmitHookSeesFullReceiptSet(t *testing.T) {
	var seen []*models.EventReceipt
	bus := New(store.NewMemory(), testRegistry(t), nil,
		WithEmitHook(func(_ context.Context, _ *models.Event, rs []*models.EventReceipt) { seen = rs }))

	_, _, err := bus.Emit(context.Background(), EmitRequest{EmitterID: "billing", Key: "billing:refund_issued"})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestNotifyPendingEventsSignalsEachGroup(t *testing.T) {
	rec := &Recorder{}
	bus := New(store.NewMemory(), testRegistry(t), nil, WithSignaler(rec))
	ctx := context.Background()

	e1, _, err := bus.Emit(ctx, EmitRequest{EmitterID: "billing", Key: "billing:invoice_created"})
	require.NoError(t, err)
	_, _, err = bus.Emit(ctx, EmitRequest{EmitterID: "billing", Key: "billing:invoice_created"})
	require.NoError(t, err)
	_, err = bus.ClaimReceipt(ctx, e1.ID, "mailer")
	require.NoError(t, err)

	counts, err := bus.NotifyPendingEvents(ctx)
	require.NoError(t, err)
	require.Len(t, counts, 3)

	got := map[string]int{}
	for _, s := range rec.Signals() {
		assert.Equal(t, "billing:invoice_created", s.EventKey)
		got[s.Subscriber] = s.Count
	}
	assert.Equal(t, map[string]int{"ledger": 2, "archive": 2, "mailer": 1}, got)

	// 信号不会认领回执。
	unclaimed, err := bus.ListUnclaimed(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, unclaimed, 5)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "foreman:events_pending:ledger", ChannelName("ledger"))
}
