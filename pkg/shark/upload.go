package shark

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"
)

// PutOptions describes one streamed upload.
type PutOptions struct {
	ContentType string
	// ContentLength is the declared size, or -1 for chunked transfer.
	ContentLength int64
	// ContentMD5, when non-empty, asks the node to reject the payload if
	// its computed MD5 differs (StatusChecksumRejected).
	ContentMD5 string
}

// PutResult is the node's final response to an upload.
type PutResult struct {
	StatusCode int
	// ComputedMD5 is the MD5 the node computed over the bytes it stored.
	ComputedMD5 string
}

// Upload is one in-flight streamed PUT. The protocol is two-phased:
// Ready resolves when the node answers the Expect preamble with
// 100-continue (or fails), and only then may the caller stream bytes via
// Write. Finish closes the stream and waits for the final response.
type Upload struct {
	node       ObjectRef
	storageID  string
	datacenter string

	pw     *io.PipeWriter
	cancel context.CancelFunc

	readyOnce sync.Once
	ready     chan error

	done chan uploadOutcome

	abandonOnce sync.Once
}

type uploadOutcome struct {
	result *PutResult
	err    error
}

// StorageID identifies the node receiving this upload.
func (u *Upload) StorageID() string { return u.storageID }

// Datacenter names the datacenter of the receiving node.
func (u *Upload) Datacenter() string { return u.datacenter }

// Ready resolves with nil once the node has sent 100-continue and is
// ready for bytes, or with the open-phase error.
func (u *Upload) Ready() <-chan error { return u.ready }

// Write streams payload bytes to the node. Valid only after Ready
// resolved nil.
func (u *Upload) Write(p []byte) (int, error) {
	return u.pw.Write(p)
}

// Finish signals end-of-body and waits for the node's final response.
func (u *Upload) Finish(ctx context.Context) (*PutResult, error) {
	u.pw.Close()
	select {
	case out := <-u.done:
		return out.result, out.err
	case <-ctx.Done():
		u.Abandon()
		return nil, ctx.Err()
	}
}

// Abandon aborts the upload: the body stream is broken and the request
// canceled. Whatever bytes the node already holds become an orphan for
// offline reclamation. Safe to call at any point and more than once.
func (u *Upload) Abandon() {
	u.abandonOnce.Do(func() {
		u.pw.CloseWithError(fmt.Errorf("upload to %s abandoned", u.storageID))
		u.cancel()
	})
}

func (u *Upload) signalReady(err error) {
	u.readyOnce.Do(func() {
		u.ready <- err
		close(u.ready)
	})
}

// Put opens a streamed upload to the node. The request carries
// Expect: 100-continue; the connect timer runs until the node either
// sends 100-continue, responds outright, or times out. No retry happens
// once the preamble has been accepted.
func (c *Client) Put(ctx context.Context, or ObjectRef, opts PutOptions) *Upload {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	u := &Upload{
		node:       or,
		storageID:  c.node.StorageID,
		datacenter: c.node.Datacenter,
		pw:         pw,
		cancel:     cancel,
		ready:      make(chan error, 1),
		done:       make(chan uploadOutcome, 1),
	}

	// Read from the request goroutine below after Do returns.
	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.ConnectTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	trace := &httptrace.ClientTrace{
		Got100Continue: func() {
			timer.Stop()
			u.signalReady(nil)
		},
		// An early final response (usually an error status) also proves
		// the node is alive; the status is handled below.
		GotFirstResponseByte: func() { timer.Stop() },
	}

	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace),
		http.MethodPut, c.base+or.path(), pr)
	if err != nil {
		timer.Stop()
		cancel()
		u.signalReady(err)
		u.done <- uploadOutcome{err: err}
		return u
	}

	req.ContentLength = opts.ContentLength
	req.Header.Set("Expect", "100-continue")
	req.Header.Set("X-Request-ID", or.RequestID)
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.ContentMD5 != "" {
		req.Header.Set("Content-MD5", opts.ContentMD5)
	}

	go func() {
		resp, err := c.http.Do(req)
		timer.Stop()
		if err != nil {
			if timedOut.Load() {
				err = fmt.Errorf("PUT %s: %w", c.node.StorageID, ErrConnectTimeout)
			}
			u.signalReady(err)
			u.done <- uploadOutcome{err: err}
			return
		}

		if resp.StatusCode >= 400 {
			statusErr := c.statusError(resp)
			u.signalReady(statusErr)
			u.done <- uploadOutcome{err: statusErr}
			return
		}

		resp.Body.Close()
		// Got100Continue normally ran first; a node that skipped the
		// interim response but accepted anyway still counts as ready.
		u.signalReady(nil)
		u.done <- uploadOutcome{result: &PutResult{
			StatusCode:  resp.StatusCode,
			ComputedMD5: resp.Header.Get("Computed-MD5"),
		}}
	}()

	return u
}
