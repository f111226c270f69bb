// Package shark is the storage-node HTTP client: one keep-alive client
// per node, with connect-liveness timeouts distinct from streaming idle
// timeouts, bounded connect retries, and an Expect/100-continue upload
// path that exposes "node accepted the preamble" separately from the
// final response.
//
// Objects live on nodes under /:owner/:object_id.
package shark

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/shoalstore/shoal/pkg/types"
)

// Config holds storage-node client parameters.
type Config struct {
	// ConnectTimeout bounds the window from request issuance until the
	// node proves it is processing the request.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// IdleTimeout bounds quiet periods between bytes while streaming a
	// response body.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig bounds the connect-phase retry policy. Streaming failures
// are never retried at this layer.
type RetryConfig struct {
	Attempts     int           `mapstructure:"attempts" yaml:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// Defaults applied by NewRegistry.
const (
	DefaultConnectTimeout = 2 * time.Second
	DefaultIdleTimeout    = 45 * time.Second
	DefaultRetryAttempts  = 2
	DefaultInitialDelay   = 100 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
)

// ObjectRef names one object replica on one storage node.
type ObjectRef struct {
	Owner     string
	ObjectID  string
	RequestID string
}

func (or ObjectRef) path() string {
	return fmt.Sprintf("/%s/%s", or.Owner, or.ObjectID)
}

// Client talks to a single storage node over a keep-alive pool.
type Client struct {
	node types.StorageNode
	base string
	http *http.Client
	cfg  Config
}

func newClient(node types.StorageNode, cfg Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
		// Do not start streaming the body until the node answers the
		// Expect preamble; the connect timer aborts stuck uploads.
		ExpectContinueTimeout: cfg.ConnectTimeout,
	}
	return &Client{
		node: node,
		base: "http://" + node.StorageID,
		http: &http.Client{Transport: transport},
		cfg:  cfg,
	}
}

// Node returns the storage node this client talks to.
func (c *Client) Node() types.StorageNode {
	return c.node
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.Retry.InitialDelay
	bo.MaxInterval = c.cfg.Retry.MaxDelay
	bo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.Retry.Attempts)), ctx)
}

// Get fetches an object's bytes. rangeHeader, when non-empty, is passed
// through as the Range header. The returned body enforces the streaming
// idle timeout; the caller owns closing it.
func (c *Client) Get(ctx context.Context, or ObjectRef, rangeHeader string) (*http.Response, io.ReadCloser, error) {
	resp, err := c.simple(ctx, http.MethodGet, or, func(req *http.Request) {
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	// 2xx and 206 stream; 416 is surfaced with headers for forwarding.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		return nil, nil, c.statusError(resp)
	}
	return resp, newIdleTimeoutReader(resp.Body, c.cfg.IdleTimeout), nil
}

// Head fetches an object's response headers.
func (c *Client) Head(ctx context.Context, or ObjectRef) (*http.Response, error) {
	resp, err := c.simple(ctx, http.MethodHead, or, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, &BackendStatusError{StorageID: c.node.StorageID, StatusCode: resp.StatusCode, Headers: resp.Header}
	}
	return resp, nil
}

// Post issues a metadata-bearing POST (snaplink creation on the node).
// The body is buffered so connect retries can replay it.
func (c *Client) Post(ctx context.Context, or ObjectRef, contentType string, body []byte) (*http.Response, error) {
	resp, err := c.simple(ctx, http.MethodPost, or, func(req *http.Request) {
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, c.statusError(resp)
	}
	return resp, nil
}

// simple runs a non-streaming-upload request with connect-liveness
// timing and bounded connect retries. Liveness is proven by the first
// response byte; the connect timer never trusts socket attachment.
func (c *Client) simple(ctx context.Context, method string, or ObjectRef, customize func(*http.Request)) (*http.Response, error) {
	var resp *http.Response

	op := func() error {
		attemptCtx, cancel := context.WithCancel(ctx)

		// The timer fires on its own goroutine; the flag is read back on
		// this one after Do returns.
		var timedOut atomic.Bool
		timer := time.AfterFunc(c.cfg.ConnectTimeout, func() {
			timedOut.Store(true)
			cancel()
		})
		trace := &httptrace.ClientTrace{
			GotFirstResponseByte: func() { timer.Stop() },
		}

		req, err := http.NewRequestWithContext(httptrace.WithClientTrace(attemptCtx, trace), method, c.base+or.path(), nil)
		if err != nil {
			cancel()
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Request-ID", or.RequestID)
		if customize != nil {
			customize(req)
		}

		r, err := c.http.Do(req)
		timer.Stop()
		if err != nil {
			cancel()
			if timedOut.Load() {
				return backoff.Permanent(fmt.Errorf("%s %s: %w", method, c.node.StorageID, ErrConnectTimeout))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err // connection-level failure: retryable
		}
		// Success: the response body adopts the attempt context; cancel
		// fires when the body is closed via the wrapper below.
		r.Body = &cancelOnCloseBody{ReadCloser: r.Body, cancel: cancel}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyCaptureLimit))
	return &BackendStatusError{
		StorageID:  c.node.StorageID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// idleTimeoutReader closes the underlying body if no bytes arrive for
// the idle window, surfacing the stall as a read error instead of a
// silent hang.
type idleTimeoutReader struct {
	rc    io.ReadCloser
	timer *time.Timer
	idle  time.Duration
}

func newIdleTimeoutReader(rc io.ReadCloser, idle time.Duration) io.ReadCloser {
	if idle <= 0 {
		return rc
	}
	r := &idleTimeoutReader{rc: rc, idle: idle}
	r.timer = time.AfterFunc(idle, func() { rc.Close() })
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if err == nil {
		r.timer.Reset(r.idle)
	} else {
		r.timer.Stop()
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.rc.Close()
}
