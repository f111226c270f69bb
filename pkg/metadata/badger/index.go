// Package badger persists the metadata index in an embedded BadgerDB.
// A single webapi node can run self-contained on local disk; the Index
// contract (conditional writes, children-only listings, entry counts)
// matches the in-memory implementation bit for bit.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/types"
)

// ============================================================================
// Database Key Namespace Design
// ============================================================================
//
// Data Type        Prefix  Key Format          Value Type
// ==========================================================================
// Entry records    "e:"    e:<key>             ObjectMetadata (JSON)
// Directory sizes  "n:"    n:<directory key>   entry count (uint64, binary)
//
// Entry keys sort byte-wise, so every child of /a/stor/dir lives in the
// contiguous range "e:/a/stor/dir/..". The count keys exist so directory
// limit checks never scan a million entries.

const (
	prefixEntry = "e:"
	prefixCount = "n:"
)

func keyEntry(key string) []byte {
	return []byte(prefixEntry + key)
}

func keyCount(dir string) []byte {
	return []byte(prefixCount + dir)
}

func encodeEntry(md *types.ObjectMetadata) ([]byte, error) {
	return json.Marshal(md)
}

func decodeEntry(val []byte) (*types.ObjectMetadata, error) {
	var md types.ObjectMetadata
	if err := json.Unmarshal(val, &md); err != nil {
		return nil, fmt.Errorf("corrupt entry record: %w", err)
	}
	return &md, nil
}

func encodeCount(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeCount(val []byte) (uint64, error) {
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt count record: %d bytes", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

// Index is the BadgerDB-backed metadata.Index.
type Index struct {
	db *badgerdb.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Index, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening metadata db at %s: %w", path, err)
	}
	logger.Info("metadata index opened", logger.KeyPath, path)
	return &Index{db: db}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Get implements metadata.Index.
func (x *Index) Get(ctx context.Context, key string) (*types.ObjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var md *types.ObjectMetadata
	err := x.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(key))
		if err == badgerdb.ErrKeyNotFound {
			return metadata.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decErr error
			md, decErr = decodeEntry(val)
			return decErr
		})
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// Put implements metadata.Index. The record write, the etag check, and
// the parent count bump share one transaction, so a conditional loser
// never moves the count.
func (x *Index) Put(ctx context.Context, md *types.ObjectMetadata, cond *metadata.Condition) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	etag := uuid.NewString()
	err := x.db.Update(func(txn *badgerdb.Txn) error {
		current, err := x.readEntry(txn, md.Key)
		if err != nil && err != metadata.ErrNotFound {
			return err
		}
		exists := err == nil

		if cond != nil {
			if cond.Etag == "" {
				if exists {
					return metadata.ErrEtagConflict
				}
			} else if !exists || current.Etag != cond.Etag {
				return metadata.ErrEtagConflict
			}
		}

		dup := *md
		dup.Etag = etag
		val, err := encodeEntry(&dup)
		if err != nil {
			return err
		}
		if err := txn.Set(keyEntry(md.Key), val); err != nil {
			return err
		}

		if !exists {
			return x.bumpCount(txn, types.ParentOf(md.Key), 1)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

// Delete implements metadata.Index.
func (x *Index) Delete(ctx context.Context, key string, cond *metadata.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return x.db.Update(func(txn *badgerdb.Txn) error {
		current, err := x.readEntry(txn, key)
		if err != nil {
			return err
		}
		if cond != nil && cond.Etag != current.Etag {
			return metadata.ErrEtagConflict
		}
		if err := txn.Delete(keyEntry(key)); err != nil {
			return err
		}
		return x.bumpCount(txn, types.ParentOf(key), -1)
	})
}

// List implements metadata.Index. Name order falls straight out of the
// key layout; mtime order loads the children and sorts in memory.
func (x *Index) List(ctx context.Context, dir string, opts metadata.ListOptions) ([]*types.ObjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(prefixEntry + dir + "/")
	var children []*types.ObjectMetadata

	// Keys iterate in name order, so a forward listing without a marker
	// can stop at the limit. Mtime order, markers, and reverse all need
	// the full child set first. The directory-empty probe (limit 1,
	// unsorted) rides this path and never scans a large directory.
	earlyStop := opts.Limit > 0 && opts.Marker == "" && !opts.Reverse &&
		opts.Sort != metadata.SortByMtime

	err := x.db.View(func(txn *badgerdb.Txn) error {
		iopts := badgerdb.DefaultIteratorOptions
		iopts.Prefix = prefix

		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := string(it.Item().Key()[len(prefix):])
			if rest == "" || strings.ContainsRune(rest, '/') {
				continue
			}

			var md *types.ObjectMetadata
			err := it.Item().Value(func(val []byte) error {
				var decErr error
				md, decErr = decodeEntry(val)
				return decErr
			})
			if err != nil {
				return err
			}
			if opts.Filter == metadata.FilterDirectories && md.Type != types.TypeDirectory {
				continue
			}
			if opts.Filter == metadata.FilterObjects && md.Type == types.TypeDirectory {
				continue
			}
			children = append(children, md)
			if earlyStop && len(children) == opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Sort == metadata.SortByMtime {
		sort.Slice(children, func(i, j int) bool { return children[i].Mtime < children[j].Mtime })
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

// Count implements metadata.Index by reading the maintained counter.
func (x *Index) Count(ctx context.Context, dir string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var count int64
	err := x.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyCount(dir))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, err := decodeCount(val)
			if err != nil {
				return err
			}
			count = int64(n)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Ready implements metadata.Index.
func (x *Index) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if x.db.IsClosed() {
		return fmt.Errorf("metadata db is closed")
	}
	return nil
}

func (x *Index) readEntry(txn *badgerdb.Txn, key string) (*types.ObjectMetadata, error) {
	item, err := txn.Get(keyEntry(key))
	if err == badgerdb.ErrKeyNotFound {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var md *types.ObjectMetadata
	err = item.Value(func(val []byte) error {
		var decErr error
		md, decErr = decodeEntry(val)
		return decErr
	})
	return md, err
}

func (x *Index) bumpCount(txn *badgerdb.Txn, dir string, delta int64) error {
	var current uint64
	item, err := txn.Get(keyCount(dir))
	if err == nil {
		err = item.Value(func(val []byte) error {
			var decErr error
			current, decErr = decodeCount(val)
			return decErr
		})
		if err != nil {
			return err
		}
	} else if err != badgerdb.ErrKeyNotFound {
		return err
	}

	next := int64(current) + delta
	if next <= 0 {
		return txn.Delete(keyCount(dir))
	}
	return txn.Set(keyCount(dir), encodeCount(uint64(next)))
}
