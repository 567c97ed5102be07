package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"Foreman/backend/go/internal/config"
	"Foreman/backend/go/pkg/circuitbreaker"
	"Foreman/backend/go/pkg/logger"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	Name       string        // 下游名称，用于熔断日志
	Timeout    time.Duration // 单次请求的超时
	SocketPath string        // 非空时通过 unix socket 连接
	Breaker    config.CircuitBreakerConfig
	Logger     *logger.Logger
}

// Client wraps http.Client with an optional circuit breaker.
type Client struct {
	httpClient *http.Client
	breaker    circuitbreaker.CircuitBreaker
}

// statusError marks a 5xx response as a breaker failure while still handing
// the response to the caller.
type statusError struct {
	resp *http.Response
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server error: received status code %d", e.resp.StatusCode)
}

// NewClient creates a new Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.SocketPath != "" {
		socket := opts.SocketPath
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
	}
	c := &Client{httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport}}
	if !opts.Breaker.Enabled {
		return c, nil
	}

	breaker, err := createCircuitBreaker(opts.Name, opts.Breaker, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.breaker = breaker
	return c, nil
}

// Do executes an HTTP request with circuit breaker protection. Responses with
// status >= 500 count as breaker failures but are still returned to the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	res, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &statusError{resp: resp}
		}
		return resp, nil
	})
	var se *statusError
	if errors.As(err, &se) {
		return se.resp, nil
	}
	if err != nil {
		return nil, err
	}
	return res.(*http.Response), nil
}

func createCircuitBreaker(name string, cfg config.CircuitBreakerConfig, log *logger.Logger) (circuitbreaker.CircuitBreaker, error) {
	if cfg.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Timeout); err != nil {
			return nil, fmt.Errorf("invalid circuit breaker timeout: %w", err)
		}
	}
	if log == nil {
		log = logger.New("HTTPClient", "", "")
	}
	return circuitbreaker.New(name, cfg.FailureThreshold, cfg.SuccessThreshold,
		config.Duration(cfg.Timeout, 30*time.Second),
		circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
			log.WithPayload(map[string]interface{}{
				"downstream": name,
				"from":       from.String(),
				"to":         to.String(),
			}).Warn("circuit breaker state changed")
		})), nil
}
