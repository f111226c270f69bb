package dataplane

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"sync"
	"time"

	"github.com/shoalstore/shoal/pkg/errors"
)

// zeroByteMD5 is the base64 MD5 of the empty payload. Zero-byte objects
// never touch a storage node, so the digest is a constant.
const zeroByteMD5 = "1B2M2Y8AsgTpgAmY7PhCfg=="

// CheckStream is the accounting sink every object byte stream runs
// through: it keeps a rolling MD5, counts bytes, enforces a byte budget,
// and arms an idle timer that fires when the stream stalls. It is
// write-once: after Abandon, writes are silently dropped.
type CheckStream struct {
	mu        sync.Mutex
	hash      hash.Hash
	bytes     int64
	maxBytes  int64
	err       error
	abandoned bool

	timeout time.Duration
	idle    *time.Timer
	timedOut chan struct{}
}

// NewCheckStream creates a CheckStream. maxBytes of zero disables the
// byte budget; timeout of zero disables the idle timer. The timer is
// armed immediately: a stream that never produces a byte still times
// out.
func NewCheckStream(maxBytes int64, timeout time.Duration) *CheckStream {
	cs := &CheckStream{
		hash:     md5.New(),
		maxBytes: maxBytes,
		timeout:  timeout,
		timedOut: make(chan struct{}),
	}
	if timeout > 0 {
		cs.idle = time.AfterFunc(timeout, cs.fireTimeout)
	}
	return cs
}

func (cs *CheckStream) fireTimeout() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.abandoned || cs.err != nil {
		return
	}
	cs.err = errors.NewUploadTimeout(cs.timeout.String())
	close(cs.timedOut)
}

// TimedOut is closed when the idle timer fires.
func (cs *CheckStream) TimedOut() <-chan struct{} {
	return cs.timedOut
}

// Write implements io.Writer. Each successful write re-arms the idle
// timer. Crossing the byte budget fails the stream with MaxSizeExceeded
// and no byte of the offending write is counted.
func (cs *CheckStream) Write(p []byte) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.abandoned {
		// Dropped on the floor, reported as consumed so upstream
		// pipes drain instead of erroring twice.
		return len(p), nil
	}
	if cs.err != nil {
		return 0, cs.err
	}
	if cs.maxBytes > 0 && cs.bytes+int64(len(p)) > cs.maxBytes {
		cs.err = errors.NewMaxSizeExceeded(cs.maxBytes)
		cs.stopTimerLocked()
		return 0, cs.err
	}

	cs.hash.Write(p)
	cs.bytes += int64(len(p))
	if cs.idle != nil {
		cs.idle.Reset(cs.timeout)
	}
	return len(p), nil
}

// Finish stops the idle timer and reports the stream's terminal error,
// if any.
func (cs *CheckStream) Finish() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.stopTimerLocked()
	return cs.err
}

// Abandon detaches the stream: timers are cleared and every later write
// is dropped. Safe to call more than once, including after a timeout.
func (cs *CheckStream) Abandon() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.abandoned = true
	cs.stopTimerLocked()
}

func (cs *CheckStream) stopTimerLocked() {
	if cs.idle != nil {
		cs.idle.Stop()
		cs.idle = nil
	}
}

// SumBase64 is the base64 MD5 of everything written so far.
func (cs *CheckStream) SumBase64() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return base64.StdEncoding.EncodeToString(cs.hash.Sum(nil))
}

// Bytes is the number of bytes counted so far.
func (cs *CheckStream) Bytes() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.bytes
}
