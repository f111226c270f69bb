// Package picker selects storage nodes for new objects. A background
// refresh polls the node directory and publishes an immutable snapshot of
// eligible nodes per datacenter, sorted by available capacity; Choose
// answers placement queries against the current snapshot without ever
// touching the network.
package picker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/types"
)

// Config holds placement parameters.
type Config struct {
	// RefreshInterval is how often the node directory is re-polled.
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`

	// Lag is the heartbeat staleness window: nodes whose last heartbeat
	// is older than now-Lag are not considered alive.
	Lag time.Duration `mapstructure:"lag" yaml:"lag"`

	// UtilizationPct is the normal-view utilization ceiling.
	UtilizationPct int `mapstructure:"utilization_pct" yaml:"utilization_pct"`

	// OperatorUtilizationPct is the higher ceiling used for operator
	// writes.
	OperatorUtilizationPct int `mapstructure:"operator_utilization_pct" yaml:"operator_utilization_pct"`

	// MultiDC requires every placement tuple of two or more replicas to
	// span at least two datacenters.
	MultiDC bool `mapstructure:"multi_dc" yaml:"multi_dc"`
}

// Defaults applied by New.
const (
	DefaultRefreshInterval        = 30 * time.Second
	DefaultLag                    = time.Hour
	DefaultUtilizationPct         = 90
	DefaultOperatorUtilizationPct = 92
)

// NodeDirectory is the discovery source for storage nodes. Poll returns
// one page of nodes filtered by utilization ceiling and heartbeat
// freshness, plus an opaque cursor for the next page ("" when exhausted).
type NodeDirectory interface {
	Poll(ctx context.Context, maxPercentUsed int, staleBefore time.Time, cursor string) (nodes []types.StorageNode, next string, err error)
}

// snapshot is an immutable placement view. Both maps hold per-datacenter
// node slices sorted ascending by AvailableBytes; operator admits nodes
// up to the higher utilization ceiling.
type snapshot struct {
	normal   map[string][]types.StorageNode
	operator map[string][]types.StorageNode
}

// Picker maintains the placement view and answers Choose.
type Picker struct {
	cfg Config
	dir NodeDirectory

	snap      atomic.Pointer[snapshot]
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Picker. Call Run to start refreshing.
func New(cfg Config, dir NodeDirectory) *Picker {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Lag <= 0 {
		cfg.Lag = DefaultLag
	}
	if cfg.UtilizationPct <= 0 {
		cfg.UtilizationPct = DefaultUtilizationPct
	}
	if cfg.OperatorUtilizationPct <= 0 {
		cfg.OperatorUtilizationPct = DefaultOperatorUtilizationPct
	}
	return &Picker{
		cfg:   cfg,
		dir:   dir,
		ready: make(chan struct{}),
	}
}

// Ready is closed after the first successful refresh. The HTTP layer
// returns 503 until then.
func (p *Picker) Ready() <-chan struct{} {
	return p.ready
}

// IsReady reports whether at least one refresh has succeeded.
func (p *Picker) IsReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// Run refreshes immediately and then on every tick until ctx is done.
// Refresh errors are logged and the previous snapshot retained.
func (p *Picker) Run(ctx context.Context) {
	if err := p.Refresh(ctx); err != nil {
		logger.Warn("initial storage-node refresh failed", logger.KeyError, err)
	}

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				logger.Warn("storage-node refresh failed; keeping previous snapshot",
					logger.KeyError, err)
			}
		}
	}
}

// Refresh polls the node directory to exhaustion and atomically swaps in
// a freshly built snapshot. An empty poll result is treated as a
// transient fault: the previous snapshot is never replaced by emptiness.
func (p *Picker) Refresh(ctx context.Context) error {
	staleBefore := time.Now().Add(-p.cfg.Lag)

	var all []types.StorageNode
	cursor := ""
	for {
		page, next, err := p.dir.Poll(ctx, p.cfg.OperatorUtilizationPct, staleBefore, cursor)
		if err != nil {
			return fmt.Errorf("polling node directory: %w", err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	if len(all) == 0 {
		return fmt.Errorf("node directory returned no eligible storage nodes")
	}

	snap := buildSnapshot(all, p.cfg.UtilizationPct)
	p.snap.Store(snap)
	p.readyOnce.Do(func() { close(p.ready) })

	logger.Debug("storage-node snapshot refreshed",
		"nodes", len(all), "datacenters", len(snap.operator))
	return nil
}

func buildSnapshot(nodes []types.StorageNode, normalCeiling int) *snapshot {
	snap := &snapshot{
		normal:   make(map[string][]types.StorageNode),
		operator: make(map[string][]types.StorageNode),
	}
	for _, n := range nodes {
		snap.operator[n.Datacenter] = append(snap.operator[n.Datacenter], n)
		if n.PercentUsed <= normalCeiling {
			snap.normal[n.Datacenter] = append(snap.normal[n.Datacenter], n)
		}
	}
	for _, view := range []map[string][]types.StorageNode{snap.normal, snap.operator} {
		for dc := range view {
			nodes := view[dc]
			sort.Slice(nodes, func(i, j int) bool {
				return nodes[i].AvailableBytes < nodes[j].AvailableBytes
			})
		}
	}
	return snap
}
