// Package channel implements the worker channel: many concurrent
// request/response exchanges multiplexed over one duplex connection, in both
// directions, matched by correlation id.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"Foreman/backend/go/internal/apperror"
	"Foreman/backend/go/internal/models"
	"Foreman/backend/go/pkg/logger"

	"github.com/google/uuid"
)

// ErrClosed is the cause recorded when Close is called locally.
var ErrClosed = errors.New("channel: closed")

// DefaultRequestTimeout applies when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Transport carries whole frames. ReadMessage is only called from one
// goroutine; WriteMessage calls are serialized by the Channel.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Request is an inbound request after schema validation.
type Request struct {
	ID     string
	Action Action
	Params Validatable
}

// HandlerFunc serves one inbound action. Returning an error sends a failure
// response carrying the error's envelope.
type HandlerFunc func(ctx context.Context, ch *Channel, req *Request) (interface{}, error)

// Options configures a Channel.
type Options struct {
	Name           string
	RequestTimeout time.Duration
	Handlers       map[Action]HandlerFunc
	Logger         *logger.Logger
	OnClose        func(err error)
}

type reply struct {
	result json.RawMessage
	err    *apperror.Error
	remote bool // err came from the peer's failure response
}

// RemoteError is a failure the peer reported in its response, as opposed to
// a local timeout, disconnect, or schema violation.
type RemoteError struct {
	Err *apperror.Error
}

func (e *RemoteError) Error() string { return e.Err.Error() }

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRemote reports whether err was reported by the peer.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Channel owns the pending-request map for exactly one connection.
type Channel struct {
	name      string
	transport Transport
	timeout   time.Duration
	log       *logger.Logger
	onClose   func(error)

	mu       sync.Mutex
	handlers map[Action]HandlerFunc
	pending  map[string]chan reply
	closed   bool
	closeErr error

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps a transport. Call Serve to start reading.
func New(t Transport, opts Options) *Channel {
	c := &Channel{
		name:      opts.Name,
		transport: t,
		timeout:   opts.RequestTimeout,
		log:       opts.Logger,
		onClose:   opts.OnClose,
		handlers:  make(map[Action]HandlerFunc),
		pending:   make(map[string]chan reply),
		done:      make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.log == nil {
		c.log = logger.New("WorkerChannel", "", "")
	}
	for a, h := range opts.Handlers {
		c.handlers[a] = h
	}
	return c
}

// Name returns the channel's label, usually the worker-manager id.
func (c *Channel) Name() string { return c.name }

// Done is closed once the channel has shut down.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Pending returns the number of outbound requests awaiting a response.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Handle registers a handler for an inbound action.
func (c *Channel) Handle(action Action, h HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[action] = h
}

func (c *Channel) handler(action Action) HandlerFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[action]
}

// CallOption tunes a single Request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the channel's default request timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Request sends action with params and waits for the matching response. On
// success the result is decoded into out when out is non-nil. Every failure
// is returned as an *apperror.Error.
func (c *Channel) Request(ctx context.Context, action Action, params Validatable, out interface{}, opts ...CallOption) error {
	co := callOptions{timeout: c.timeout}
	for _, o := range opts {
		o(&co)
	}

	sch, ok := schemas[action]
	if !ok {
		return apperror.Permanent(apperror.CodeChannelUnknownAction, fmt.Sprintf("unknown action %q", action))
	}
	if params == nil {
		return invalidPayload("outbound %s request has no params", action)
	}
	if err := params.Validate(); err != nil {
		return invalidPayload("outbound %s request: %v", action, err)
	}
	payload, err := encodeRequestPayload(action, params)
	if err != nil {
		return invalidPayload("outbound %s request: %v", action, err)
	}
	id := uuid.NewString()
	frame, err := json.Marshal(Message{Type: TypeRequest, ID: id, Payload: payload})
	if err != nil {
		return invalidPayload("outbound %s request: %v", action, err)
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	if c.closed {
		cause := c.closeErr
		c.mu.Unlock()
		return closedError(action, cause)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, frame); err != nil {
		c.forget(id)
		return apperror.Transient(apperror.CodeChannelClosed, fmt.Sprintf("failed to send %s request", action)).WithCause(err)
	}

	timer := time.NewTimer(co.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.remote {
			return &RemoteError{Err: r.err}
		}
		if r.err != nil {
			return r.err
		}
		res := sch.result()
		if err := json.Unmarshal(r.result, res); err != nil && len(r.result) > 0 {
			return invalidPayload("%s result: %v", action, err)
		}
		if err := res.Validate(); err != nil {
			return invalidPayload("%s result: %v", action, err)
		}
		if out != nil && len(r.result) > 0 {
			if err := json.Unmarshal(r.result, out); err != nil {
				return invalidPayload("%s result: %v", action, err)
			}
		}
		return nil
	case <-timer.C:
		c.forget(id)
		return apperror.Transient(apperror.CodeChannelTimeout,
			fmt.Sprintf("no response to %s within %s", action, co.timeout)).
			WithDetails(map[string]interface{}{
				"action":    string(action),
				"requestId": id,
				"timeoutMs": co.timeout.Milliseconds(),
			})
	case <-ctx.Done():
		c.forget(id)
		return apperror.From(ctx.Err())
	}
}

func closedError(action Action, cause error) *apperror.Error {
	return apperror.Transient(apperror.CodeChannelClosed,
		fmt.Sprintf("channel closed, %s request not sent", action)).WithCause(cause)
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(ctx, frame)
}

// Serve reads frames until the transport fails or ctx is cancelled. All
// outstanding requests are failed before it returns.
func (c *Channel) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
		case <-c.done:
		}
	}()
	for {
		data, err := c.transport.ReadMessage(ctx)
		if err != nil {
			c.shutdown(err)
			return err
		}
		c.dispatch(ctx, data)
	}
}

// Close shuts the channel down and fails every pending request.
func (c *Channel) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		pending := c.pending
		c.pending = make(map[string]chan reply)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- reply{err: apperror.Transient(apperror.CodeChannelClosed,
				"channel closed before a response arrived").WithCause(cause)}
		}
		if err := c.transport.Close(); err != nil {
			c.log.WithFault(err).Debug("transport close")
		}
		close(c.done)
		c.log.WithPayload(map[string]interface{}{
			"channel":        c.name,
			"failed_pending": len(pending),
		}).Info("worker channel closed")
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}

func (c *Channel) dispatch(ctx context.Context, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(models.ErrorInfo{Message: err.Error(), Code: apperror.CodeChannelInvalidPayload}).
			Warn("discarding malformed frame")
		return
	}
	if err := msg.validate(); err != nil {
		if msg.Type == TypeRequest && msg.ID != "" {
			c.respond(ctx, msg.ID, "", nil, invalidPayload("request frame: %v", err))
			return
		}
		c.log.WithError(models.ErrorInfo{Message: err.Error(), Code: apperror.CodeChannelInvalidPayload}).
			Warn("discarding invalid frame")
		return
	}
	switch msg.Type {
	case TypeResponse:
		c.resolve(&msg)
	case TypeRequest:
		go c.serveRequest(ctx, &msg)
	}
}

func (c *Channel) resolve(msg *Message) {
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.WithPayload(map[string]interface{}{"channel": c.name, "id": msg.ID}).
			Warn("response for unknown correlation id discarded")
		return
	}

	var p responsePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		ch <- reply{err: invalidPayload("response payload: %v", err)}
		return
	}
	switch {
	case p.Success == nil:
		ch <- reply{err: invalidPayload("response payload is missing success")}
	case !*p.Success && p.Error == nil:
		ch <- reply{err: invalidPayload("failed response carries no error")}
	case !*p.Success:
		if err := p.Error.Validate(); err != nil {
			ch <- reply{err: invalidPayload("response error: %v", err)}
			return
		}
		ch <- reply{err: apperror.FromEnvelope(p.Error), remote: true}
	default:
		ch <- reply{result: p.Result}
	}
}

func (c *Channel) serveRequest(ctx context.Context, msg *Message) {
	action, err := peekAction(msg.Payload)
	if err != nil {
		c.respond(ctx, msg.ID, "", nil, invalidPayload("request payload: %v", err))
		return
	}
	sch, ok := schemas[action]
	if !ok {
		c.respond(ctx, msg.ID, action, nil,
			apperror.Permanent(apperror.CodeChannelUnknownAction, fmt.Sprintf("unknown action %q", action)))
		return
	}
	params := sch.request()
	if err := json.Unmarshal(msg.Payload, params); err != nil {
		c.respond(ctx, msg.ID, action, nil, invalidPayload("%s request: %v", action, err))
		return
	}
	if err := params.Validate(); err != nil {
		c.respond(ctx, msg.ID, action, nil, invalidPayload("%s request: %v", action, err))
		return
	}
	h := c.handler(action)
	if h == nil {
		c.respond(ctx, msg.ID, action, nil,
			apperror.Permanent(apperror.CodeChannelUnknownAction, fmt.Sprintf("no handler for %q", action)))
		return
	}

	result, herr := c.invoke(ctx, h, &Request{ID: msg.ID, Action: action, Params: params})
	if herr != nil {
		c.respond(ctx, msg.ID, action, nil, herr)
		return
	}
	if v, ok := result.(Validatable); ok {
		if err := v.Validate(); err != nil {
			c.respond(ctx, msg.ID, action, nil, invalidPayload("%s result: %v", action, err))
			return
		}
	}
	c.respond(ctx, msg.ID, action, result, nil)
}

func (c *Channel) invoke(ctx context.Context, h HandlerFunc, req *Request) (result interface{}, failure *apperror.Error) {
	defer func() {
		if r := recover(); r != nil {
			failure = apperror.FromPanic(r)
		}
	}()
	res, err := h(ctx, c, req)
	if err != nil {
		return nil, apperror.From(err)
	}
	return res, nil
}

func (c *Channel) respond(ctx context.Context, id string, action Action, result interface{}, failure *apperror.Error) {
	frame, err := encodeResponse(id, action, result, failure)
	if err != nil {
		frame, err = encodeResponse(id, action, nil, invalidPayload("%s result: %v", action, err))
		if err != nil {
			c.log.WithFault(err).Error("failed to encode response")
			return
		}
	}
	if err := c.write(ctx, frame); err != nil {
		c.log.WithFault(err).WithPayload(map[string]interface{}{"channel": c.name, "id": id}).
			Warn("failed to write response")
	}
}
