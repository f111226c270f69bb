// Package dataplane implements the object read/write/delete pipelines:
// admission-checked argument parsing, placement, parallel fan-out
// upload with tuple failover, verified reads, and deletion accounting.
package dataplane

import (
	"time"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/shark"
)

// Config tunes the pipelines.
type Config struct {
	// DefaultDurability is the copy count when the client names none.
	DefaultDurability int `mapstructure:"default_durability" yaml:"default_durability"`

	// MaxObjectCopies caps Durability-Level.
	MaxObjectCopies int `mapstructure:"max_object_copies" yaml:"max_object_copies"`

	// DefaultMaxStreamingSize bounds chunked uploads that carry no
	// Max-Content-Length header.
	DefaultMaxStreamingSize int64 `mapstructure:"default_max_streaming_size" yaml:"default_max_streaming_size"`

	// DataTimeout is the idle budget between payload bytes.
	DataTimeout time.Duration `mapstructure:"data_timeout" yaml:"data_timeout"`
}

const (
	DefaultDurability       = 2
	DefaultMaxObjectCopies  = 9
	DefaultMaxStreamingSize = int64(51200) * 1024 * 1024
	DefaultDataTimeout      = 45 * time.Second
)

// OrphanRecorder receives the identity of object bytes that landed on
// storage nodes but never got a metadata record. Reclamation runs out
// of process; recording must never block a failing request.
type OrphanRecorder interface {
	RecordOrphan(objectID string, storageIDs []string)
}

// LogOrphans is the built-in OrphanRecorder: it writes an audit line
// for the offline cleanup pipeline to scrape.
type LogOrphans struct{}

func (LogOrphans) RecordOrphan(objectID string, storageIDs []string) {
	logger.Warn("orphaned object bytes",
		logger.KeyObjectID, objectID,
		"storage_ids", storageIDs)
}

// Core owns the pipelines' collaborators.
type Core struct {
	env       *metadata.Envelope
	placement *picker.Picker
	sharks    *shark.Registry
	orphans   OrphanRecorder
	ops       metrics.OpsMetrics
	cfg       Config
}

// New creates a Core, filling zero config fields with defaults.
func New(env *metadata.Envelope, placement *picker.Picker, sharks *shark.Registry, ops metrics.OpsMetrics, orphans OrphanRecorder, cfg Config) *Core {
	if cfg.DefaultDurability <= 0 {
		cfg.DefaultDurability = DefaultDurability
	}
	if cfg.MaxObjectCopies <= 0 {
		cfg.MaxObjectCopies = DefaultMaxObjectCopies
	}
	if cfg.DefaultMaxStreamingSize <= 0 {
		cfg.DefaultMaxStreamingSize = DefaultMaxStreamingSize
	}
	if cfg.DataTimeout <= 0 {
		cfg.DataTimeout = DefaultDataTimeout
	}
	if orphans == nil {
		orphans = LogOrphans{}
	}
	return &Core{
		env:       env,
		placement: placement,
		sharks:    sharks,
		orphans:   orphans,
		ops:       ops,
		cfg:       cfg,
	}
}

// Envelope exposes the metadata envelope for readiness checks.
func (c *Core) Envelope() *metadata.Envelope {
	return c.env
}

// Placement exposes the placement selector for readiness checks.
func (c *Core) Placement() *picker.Picker {
	return c.placement
}
