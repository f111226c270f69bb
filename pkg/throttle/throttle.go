// Package throttle implements admission control for the webapi: a bounded
// number of in-flight requests plus a bounded FIFO wait queue. Requests
// beyond the queue tolerance are shed immediately with a Throttled error,
// and a background reaper recovers slots whose owners finished without
// releasing them.
package throttle

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
)

// Config holds admission-control parameters.
type Config struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency"`
	QueueTolerance int           `mapstructure:"queue_tolerance" yaml:"queue_tolerance"`
	ReapInterval   time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

// DefaultReapInterval is applied when Config.ReapInterval is zero.
const DefaultReapInterval = 5 * time.Second

// Slot is an admitted request's hold on the throttle. Release is
// idempotent; the reaper may call it on the request's behalf.
type Slot struct {
	id       string
	finished func() bool
	noop     bool
	t        *Throttle
	once     sync.Once
}

// ID returns the request id the slot was entered with.
func (s *Slot) ID() string { return s.id }

// Release frees the slot, admitting the next FIFO waiter if any. Safe to
// call more than once.
func (s *Slot) Release() {
	if s.noop {
		return
	}
	s.once.Do(func() {
		s.t.release(s)
	})
}

type waiter struct {
	slot *Slot
	ch   chan struct{}
}

// Throttle is the admission controller. It creates no goroutines per
// request; waiters suspend on a channel and are resumed in FIFO order.
type Throttle struct {
	cfg Config

	mu       sync.Mutex
	active   int
	waiters  *list.List // of *waiter
	inflight map[*Slot]struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Throttle and, when enabled, starts its reaper.
func New(cfg Config) *Throttle {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	t := &Throttle{
		cfg:      cfg,
		waiters:  list.New(),
		inflight: make(map[*Slot]struct{}),
		stop:     make(chan struct{}),
	}
	if cfg.Enabled {
		go t.reapLoop()
	}
	return t
}

// Enter requests admission. finished, which may be nil, reports whether
// the request's handler has returned; the reaper uses it to detect
// slots whose Release was forgotten. A probe that merely reports the
// response as started would let the reaper free slots that are still
// streaming, admitting waiters past the concurrency bound.
//
// Returns a Slot on admission, a Throttled error when the wait queue is
// full, or the context error if the caller goes away while queued.
func (t *Throttle) Enter(ctx context.Context, id string, finished func() bool) (*Slot, error) {
	if !t.cfg.Enabled {
		return &Slot{id: id, noop: true}, nil
	}

	t.mu.Lock()
	if t.active < t.cfg.Concurrency {
		t.active++
		slot := &Slot{id: id, finished: finished, t: t}
		t.inflight[slot] = struct{}{}
		t.mu.Unlock()
		return slot, nil
	}

	if t.waiters.Len() >= t.cfg.QueueTolerance {
		queued, active := t.waiters.Len(), t.active
		t.mu.Unlock()
		return nil, errors.NewThrottled(queued, active, t.cfg.Concurrency)
	}

	w := &waiter{
		slot: &Slot{id: id, finished: finished, t: t},
		ch:   make(chan struct{}),
	}
	elem := t.waiters.PushBack(w)
	t.mu.Unlock()

	select {
	case <-w.ch:
		return w.slot, nil
	case <-ctx.Done():
		t.mu.Lock()
		// The grant may have raced the cancellation; if the slot was
		// already handed over, keep it and let the caller release it.
		select {
		case <-w.ch:
			t.mu.Unlock()
			return w.slot, nil
		default:
		}
		t.waiters.Remove(elem)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release frees a slot and promotes the oldest waiter, if any.
func (t *Throttle) release(s *Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inflight[s]; !ok {
		return
	}
	delete(t.inflight, s)

	if front := t.waiters.Front(); front != nil {
		w := t.waiters.Remove(front).(*waiter)
		t.inflight[w.slot] = struct{}{}
		close(w.ch)
		return
	}
	t.active--
}

// Stats returns the current queue depth and in-flight count.
func (t *Throttle) Stats() (queued, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiters.Len(), len(t.inflight)
}

// Stop terminates the reaper. Waiting requests are not interrupted.
func (t *Throttle) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Throttle) reapLoop() {
	ticker := time.NewTicker(t.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.reap()
		}
	}
}

// reap force-releases slots whose handlers returned without releasing.
// This compensates for owner bugs that forget the terminal Release;
// Release itself is idempotent so racing the owner is safe.
func (t *Throttle) reap() {
	t.mu.Lock()
	var stale []*Slot
	for slot := range t.inflight {
		if slot.finished != nil && slot.finished() {
			stale = append(stale, slot)
		}
	}
	t.mu.Unlock()

	for _, slot := range stale {
		logger.Warn("throttle reaped an unreleased slot", logger.KeyRequestID, slot.id)
		slot.Release()
	}
}
