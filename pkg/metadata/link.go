package metadata

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/types"
)

// LinkOptions describes a snaplink creation: a new key whose record
// references the source object's bytes without copying them.
type LinkOptions struct {
	// SourceKey is the normalized key of the existing object.
	SourceKey string
	// SourceOwner is the account owning the source.
	SourceOwner string
	// TargetKey is the normalized key for the new link.
	TargetKey string
	// TargetOwner is the account owning the link.
	TargetOwner string

	Caller *types.Caller

	// Cond, when non-nil, makes the link write conditional on the
	// target's loaded etag.
	Cond *Condition

	// Headers is the inbound header set for the link's stored headers.
	Headers http.Header
	// RoleNames as in BuildOptions.
	RoleNames []string
}

// CreateLink creates a snaplink with the mandatory safety ordering: if
// the source is marked single-path, that mark is cleared and committed
// BEFORE the link record is written. A crash between the two writes
// leaves a multi-reference-marked object with one reference, which is
// harmless; the reverse ordering could let accelerated deletion treat a
// source as deletable while a new link to it exists.
func (e *Envelope) CreateLink(ctx context.Context, opts LinkOptions) (*types.ObjectMetadata, error) {
	if !e.SnaplinksAllowedFor(opts.SourceOwner) {
		return nil, errors.NewSnaplinksDisabled(opts.SourceOwner)
	}

	source, err := e.index.Get(ctx, opts.SourceKey)
	if stderrors.Is(err, ErrNotFound) {
		return nil, errors.NewLinkNotFound(opts.SourceKey)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if source.Type != types.TypeObject && source.Type != types.TypeLink {
		return nil, errors.NewLinkNotObject(opts.SourceKey)
	}

	if source.SinglePath {
		source.SinglePath = false
		// Conditional on the etag we just loaded: a concurrent writer
		// to the source must win or lose cleanly, never silently
		// reinstate the single-path mark.
		if _, err := e.Commit(ctx, source, &Condition{Etag: source.Etag}); err != nil {
			return nil, err
		}
		logger.Debug("cleared single-path mark before link write",
			logger.KeyPath, opts.SourceKey)
	}

	creator := source.Creator
	if creator == "" {
		creator = source.Owner
	}

	link, err := e.BuildMetadata(ctx, BuildOptions{
		Key:           opts.TargetKey,
		Type:          types.TypeLink,
		Owner:         opts.TargetOwner,
		Caller:        opts.Caller,
		ObjectID:      source.ObjectID,
		ContentLength: source.ContentLength,
		ContentMD5:    source.ContentMD5,
		ContentType:   source.ContentType,
		Sharks:        source.Sharks,
		RoleNames:     opts.RoleNames,
		Headers:       opts.Headers,
	})
	if err != nil {
		return nil, err
	}
	link.Creator = creator
	link.SinglePath = false

	etag, err := e.Commit(ctx, link, opts.Cond)
	if err != nil {
		return nil, err
	}
	link.Etag = etag
	return link, nil
}
