// Package metadata is the consistency envelope around the sharded
// metadata index: parallel entry/parent loads, conditional (etag)
// commits, the namespace invariants of the hierarchical store, and the
// snaplink safety ordering.
//
// The index itself is an external collaborator reached through the Index
// interface; pkg/metadata/badger provides an embedded implementation for
// single-process deployments and pkg/metadata/memory an in-memory one
// for tests.
package metadata

import (
	"context"
	"errors"
	"fmt"

	"github.com/shoalstore/shoal/pkg/types"
)

// Sentinel errors returned by Index implementations. The envelope
// translates them into the public taxonomy; they never reach clients
// directly.
var (
	// ErrNotFound means the key has no entry.
	ErrNotFound = errors.New("metadata: key not found")

	// ErrEtagConflict means a conditional Put/Delete lost the race: the
	// stored etag no longer matches the condition.
	ErrEtagConflict = errors.New("metadata: etag conflict")
)

// Condition makes a Put or Delete conditional on the index's opaque
// etag. A nil *Condition is unconditional. An empty Etag requires the
// key to not exist (if-none-match semantics on creation).
type Condition struct {
	Etag string
}

// SortOrder controls directory listing order.
type SortOrder string

const (
	SortByName  SortOrder = "name"
	SortByMtime SortOrder = "mtime"
	// SortNone lets the index return entries in its natural order. It is
	// the cheapest option and operator-only at the HTTP surface.
	SortNone SortOrder = "none"
)

// TypeFilter restricts a listing to one entry type.
type TypeFilter string

const (
	FilterAll         TypeFilter = ""
	FilterDirectories TypeFilter = "directory"
	FilterObjects     TypeFilter = "object"
)

// ListOptions paginates and orders a directory listing.
//
// Marker is the continuation token: the MarkerKey of the last entry of
// the previous page. "" starts at the beginning.
type ListOptions struct {
	Limit   int
	Marker  string
	Sort    SortOrder
	Reverse bool
	Filter  TypeFilter
}

// MarkerKey returns the continuation token an entry contributes under
// the given sort: the entry name for name order, the millisecond mtime
// zero-padded so string comparison matches numeric order for mtime
// order.
func MarkerKey(md *types.ObjectMetadata, sort SortOrder) string {
	if sort == SortByMtime {
		return fmt.Sprintf("%013d", md.Mtime)
	}
	return types.BaseOf(md.Key)
}

// SkipForMarker reports whether the entry sits at or before the marker
// in the listing's traversal order and was therefore already served.
// Ascending listings skip keys <= marker, descending listings skip
// keys >= marker.
func (o ListOptions) SkipForMarker(md *types.ObjectMetadata) bool {
	if o.Marker == "" {
		return false
	}
	key := MarkerKey(md, o.Sort)
	if o.Reverse {
		return key >= o.Marker
	}
	return key <= o.Marker
}

// Index is the metadata tier. All operations are safe for concurrent
// use; implementations supply the opaque etag on every stored record.
type Index interface {
	// Get loads the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (*types.ObjectMetadata, error)

	// Put stores md at md.Key and returns the new opaque etag. With a
	// condition, the write succeeds only if the stored etag matches
	// (or, for Condition{Etag: ""}, if the key does not exist);
	// otherwise ErrEtagConflict.
	Put(ctx context.Context, md *types.ObjectMetadata, cond *Condition) (string, error)

	// Delete removes the record at key, with the same conditional
	// semantics as Put. Missing key is ErrNotFound.
	Delete(ctx context.Context, key string, cond *Condition) error

	// List returns the immediate children of dir.
	List(ctx context.Context, dir string, opts ListOptions) ([]*types.ObjectMetadata, error)

	// Count returns the number of immediate children of dir.
	Count(ctx context.Context, dir string) (int64, error)

	// Ready reports whether the index can serve requests; the ping
	// endpoint gates on it.
	Ready(ctx context.Context) error
}

// RoleResolver maps caller-supplied role names to role ids. An unknown
// name fails the whole resolution.
type RoleResolver interface {
	ResolveRoles(ctx context.Context, account string, names []string) ([]string, error)
}

// StaticRoleResolver resolves from a fixed name-to-id map. Used by the
// embedded deployment and tests.
type StaticRoleResolver map[string]string

// ResolveRoles implements RoleResolver.
func (s StaticRoleResolver) ResolveRoles(_ context.Context, _ string, names []string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := s[name]
		if !ok {
			return nil, errors.New("unknown role " + name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
