package dataplane

import (
	"net/http"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/types"
)

// DeleteEntry removes an object or an empty directory. Deletion
// accounting feeds the garbage-collection counters: bytes reclaimed is
// the logical size times the replica count, and the accelerated flag
// marks objects whose bytes can be reclaimed without the slow
// cross-reference scan.
func (c *Core) DeleteEntry(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string) error {
	ctx := r.Context()

	if err := c.env.EnsureNotRoot(http.MethodDelete, key, false); err != nil {
		return err
	}

	entry, err := c.env.Load(ctx, key, false)
	if err != nil {
		return err
	}
	if !entry.Exists() {
		return errors.NewResourceNotFound(key)
	}
	if err := checkPreconditions(r, entry); err != nil {
		return err
	}

	md := entry.MD
	if md.IsDirectory() {
		if err := c.env.EnsureDirectoryEmpty(ctx, key); err != nil {
			return err
		}
	}

	if err := c.env.Remove(ctx, key, writeCondition(r, entry)); err != nil {
		return err
	}

	if md.IsDirectory() {
		metrics.IncDeletedDirectories(c.ops)
	} else {
		bytes := md.ContentLength * int64(len(md.Sharks))
		accelerated := md.SinglePath && !c.env.SnaplinksAllowedFor(md.Owner)
		metrics.AddDeletedBytes(c.ops, bytes, accelerated)
		logger.Debug("object deleted",
			logger.KeyPath, key,
			logger.KeySize, bytes,
			"accelerated_gc", accelerated)
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}
