// Package relay sends fire-and-forget requests between sites and the relay.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/metrics"
)

// Request is one outbound form-encoded call.
type Request struct {
	Method string
	URL    string
	Form   url.Values
}

// Sender queues requests without waiting for their outcome.
type Sender interface {
	Dispatch(req Request)
}

// Dispatcher runs each request on its own goroutine. Failures are logged and
// never reported to the caller.
type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Sender = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher. A nil client gets a default one.
func NewDispatcher(client *http.Client, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{client: client, timeout: timeout, logger: logger}
}

// Dispatch sends req in the background. Requests queued after Wait started are dropped.
func (d *Dispatcher) Dispatch(req Request) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log().Warn("relay dispatcher closed, dropping request", zap.String("method", req.Method), zap.String("url", req.URL))
		metrics.RelayDispatches.WithLabelValues(req.Method, "dropped").Inc()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	metrics.RelayInflight.Inc()
	go func() {
		defer d.wg.Done()
		defer metrics.RelayInflight.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.send(ctx, req); err != nil {
			d.log().Warn("relay request failed",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.Error(err),
			)
			metrics.RelayDispatches.WithLabelValues(req.Method, "error").Inc()
			return
		}
		metrics.RelayDispatches.WithLabelValues(req.Method, "ok").Inc()
	}()
}

// Wait stops accepting requests and blocks until in-flight ones finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) send(ctx context.Context, req Request) error {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status=%d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) log() *zap.Logger {
	if d.logger != nil {
		return d.logger
	}
	return zap.L()
}
