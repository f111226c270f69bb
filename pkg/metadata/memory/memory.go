// Package memory is an in-memory metadata.Index used by unit tests and
// the storetest parity suite. It honors the conditional-write and
// listing semantics of the real index under a single mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/types"
)

// Index is the in-memory implementation.
type Index struct {
	mu      sync.Mutex
	records map[string]*types.ObjectMetadata

	// FailPut, when set, is consulted before every write; a non-nil
	// return fails that Put. Tests use it to probe ordering guarantees
	// (snaplink safety).
	FailPut func(md *types.ObjectMetadata) error
}

// New creates an empty in-memory index.
func New() *Index {
	return &Index{records: make(map[string]*types.ObjectMetadata)}
}

// Get implements metadata.Index.
func (x *Index) Get(_ context.Context, key string) (*types.ObjectMetadata, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	md, ok := x.records[key]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	dup := *md
	return &dup, nil
}

// Put implements metadata.Index.
func (x *Index) Put(_ context.Context, md *types.ObjectMetadata, cond *metadata.Condition) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.FailPut != nil {
		if err := x.FailPut(md); err != nil {
			return "", err
		}
	}

	current, exists := x.records[md.Key]
	if cond != nil {
		if cond.Etag == "" {
			if exists {
				return "", metadata.ErrEtagConflict
			}
		} else if !exists || current.Etag != cond.Etag {
			return "", metadata.ErrEtagConflict
		}
	}

	dup := *md
	dup.Etag = uuid.NewString()
	x.records[md.Key] = &dup
	return dup.Etag, nil
}

// Delete implements metadata.Index.
func (x *Index) Delete(_ context.Context, key string, cond *metadata.Condition) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	current, exists := x.records[key]
	if !exists {
		return metadata.ErrNotFound
	}
	if cond != nil && cond.Etag != current.Etag {
		return metadata.ErrEtagConflict
	}
	delete(x.records, key)
	return nil
}

// List implements metadata.Index.
func (x *Index) List(_ context.Context, dir string, opts metadata.ListOptions) ([]*types.ObjectMetadata, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}

	var children []*types.ObjectMetadata
	for key, md := range x.records {
		if !strings.HasPrefix(key, prefix) || key == dir {
			continue
		}
		rest := key[len(prefix):]
		if rest == "" || strings.ContainsRune(rest, '/') {
			continue
		}
		if opts.Filter == metadata.FilterDirectories && md.Type != types.TypeDirectory {
			continue
		}
		if opts.Filter == metadata.FilterObjects && md.Type == types.TypeDirectory {
			continue
		}
		dup := *md
		children = append(children, &dup)
	}

	switch opts.Sort {
	case metadata.SortByMtime:
		sort.Slice(children, func(i, j int) bool { return children[i].Mtime < children[j].Mtime })
	case metadata.SortNone:
		// Map order is as natural as it gets; still sort for test
		// determinism.
		fallthrough
	default:
		sort.Slice(children, func(i, j int) bool { return children[i].Key < children[j].Key })
	}
	if opts.Reverse {
		for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
			children[i], children[j] = children[j], children[i]
		}
	}

	if opts.Marker != "" {
		cut := 0
		for _, md := range children {
			if !opts.SkipForMarker(md) {
				break
			}
			cut++
		}
		children = children[cut:]
	}

	if opts.Limit > 0 && len(children) > opts.Limit {
		children = children[:opts.Limit]
	}
	return children, nil
}

// Count implements metadata.Index.
func (x *Index) Count(ctx context.Context, dir string) (int64, error) {
	children, err := x.List(ctx, dir, metadata.ListOptions{Sort: metadata.SortNone})
	if err != nil {
		return 0, err
	}
	return int64(len(children)), nil
}

// Ready implements metadata.Index.
func (x *Index) Ready(context.Context) error {
	return nil
}

// Len reports the number of stored records. Test helper.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.records)
}
