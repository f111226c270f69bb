package badger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metadata/badger"
	"github.com/shoalstore/shoal/pkg/types"
)

func openIndex(t *testing.T) *badger.Index {
	t.Helper()
	idx, err := badger.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func put(t *testing.T, idx *badger.Index, md *types.ObjectMetadata) string {
	t.Helper()
	etag, err := idx.Put(context.Background(), md, nil)
	require.NoError(t, err)
	return etag
}

func obj(key string) *types.ObjectMetadata {
	return &types.ObjectMetadata{
		Key: key, Owner: "acct", Type: types.TypeObject,
		ObjectID: "oid-" + types.BaseOf(key), ContentLength: 1,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	idx := openIndex(t)

	md := obj("/acct/stor/a")
	md.Sharks = []types.Shark{{Datacenter: "dc-a", StorageID: "1.stor"}}
	md.Headers = map[string]string{"m-team": "storage"}
	etag := put(t, idx, md)

	got, err := idx.Get(context.Background(), "/acct/stor/a")
	require.NoError(t, err)
	assert.Equal(t, etag, got.Etag)
	assert.Equal(t, md.ObjectID, got.ObjectID)
	assert.Equal(t, md.Sharks, got.Sharks)
	assert.Equal(t, md.Headers, got.Headers)

	_, err = idx.Get(context.Background(), "/acct/stor/missing")
	assert.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestConditionalPut(t *testing.T) {
	idx := openIndex(t)
	etag := put(t, idx, obj("/acct/stor/a"))

	// Stale etag loses without touching the record.
	_, err := idx.Put(context.Background(), obj("/acct/stor/a"), &metadata.Condition{Etag: "stale"})
	assert.ErrorIs(t, err, metadata.ErrEtagConflict)

	// Must-not-exist loses against an existing record.
	_, err = idx.Put(context.Background(), obj("/acct/stor/a"), &metadata.Condition{Etag: ""})
	assert.ErrorIs(t, err, metadata.ErrEtagConflict)

	// The loaded etag wins exactly once.
	etag2, err := idx.Put(context.Background(), obj("/acct/stor/a"), &metadata.Condition{Etag: etag})
	require.NoError(t, err)
	assert.NotEqual(t, etag, etag2)
	_, err = idx.Put(context.Background(), obj("/acct/stor/a"), &metadata.Condition{Etag: etag})
	assert.ErrorIs(t, err, metadata.ErrEtagConflict)

	// Must-not-exist succeeds for a fresh key.
	_, err = idx.Put(context.Background(), obj("/acct/stor/b"), &metadata.Condition{Etag: ""})
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	idx := openIndex(t)
	etag := put(t, idx, obj("/acct/stor/a"))

	err := idx.Delete(context.Background(), "/acct/stor/a", &metadata.Condition{Etag: "stale"})
	assert.ErrorIs(t, err, metadata.ErrEtagConflict)

	require.NoError(t, idx.Delete(context.Background(), "/acct/stor/a", &metadata.Condition{Etag: etag}))
	assert.ErrorIs(t, idx.Delete(context.Background(), "/acct/stor/a", nil), metadata.ErrNotFound)
}

func TestListChildrenOnly(t *testing.T) {
	idx := openIndex(t)
	put(t, idx, &types.ObjectMetadata{Key: "/acct/stor/dir", Owner: "acct", Type: types.TypeDirectory})
	put(t, idx, obj("/acct/stor/dir/b"))
	put(t, idx, obj("/acct/stor/dir/a"))
	put(t, idx, obj("/acct/stor/dir/sub-entry"))
	put(t, idx, obj("/acct/stor/dir/nested/deep")) // not a direct child
	put(t, idx, obj("/acct/stor/other"))

	children, err := idx.List(context.Background(), "/acct/stor/dir", metadata.ListOptions{})
	require.NoError(t, err)

	var names []string
	for _, md := range children {
		names = append(names, types.BaseOf(md.Key))
	}
	assert.Equal(t, []string{"a", "b", "sub-entry"}, names, "direct children in name order")
}

func TestListMarkerLimitAndFilter(t *testing.T) {
	idx := openIndex(t)
	put(t, idx, &types.ObjectMetadata{Key: "/acct/stor/dir", Owner: "acct", Type: types.TypeDirectory})
	put(t, idx, &types.ObjectMetadata{Key: "/acct/stor/dir/d1", Owner: "acct", Type: types.TypeDirectory})
	for i := 0; i < 5; i++ {
		put(t, idx, obj(fmt.Sprintf("/acct/stor/dir/o%d", i)))
	}

	page, err := idx.List(context.Background(), "/acct/stor/dir", metadata.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "/acct/stor/dir/d1", page[0].Key)

	page, err = idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Limit: 2, Marker: types.BaseOf(page[1].Key)})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "/acct/stor/dir/o1", page[0].Key)

	dirs, err := idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Filter: metadata.FilterDirectories})
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, "/acct/stor/dir/d1", dirs[0].Key)
}

func TestListByMtime(t *testing.T) {
	idx := openIndex(t)
	newest := obj("/acct/stor/dir/a")
	newest.Mtime = 300
	oldest := obj("/acct/stor/dir/b")
	oldest.Mtime = 100
	middle := obj("/acct/stor/dir/c")
	middle.Mtime = 200
	put(t, idx, newest)
	put(t, idx, oldest)
	put(t, idx, middle)

	children, err := idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Sort: metadata.SortByMtime})
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, int64(100), children[0].Mtime)
	assert.Equal(t, int64(300), children[2].Mtime)

	children, err = idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Sort: metadata.SortByMtime, Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, int64(300), children[0].Mtime)
}

func TestListReversePagination(t *testing.T) {
	idx := openIndex(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		put(t, idx, obj("/acct/stor/dir/"+name))
	}

	page1, err := idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Limit: 2, Reverse: true})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "/acct/stor/dir/d", page1[0].Key)
	assert.Equal(t, "/acct/stor/dir/c", page1[1].Key)

	// The marker is the last served name; in descending order the next
	// page continues below it.
	page2, err := idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Limit: 2, Reverse: true, Marker: types.BaseOf(page1[1].Key)})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "/acct/stor/dir/b", page2[0].Key)
	assert.Equal(t, "/acct/stor/dir/a", page2[1].Key)
}

func TestListMtimePagination(t *testing.T) {
	idx := openIndex(t)
	for i, name := range []string{"w", "x", "y", "z"} {
		md := obj("/acct/stor/dir/" + name)
		md.Mtime = int64(100 * (i + 1))
		put(t, idx, md)
	}

	opts := metadata.ListOptions{Limit: 2, Sort: metadata.SortByMtime}
	page1, err := idx.List(context.Background(), "/acct/stor/dir", opts)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(100), page1[0].Mtime)
	assert.Equal(t, int64(200), page1[1].Mtime)

	opts.Marker = metadata.MarkerKey(page1[1], opts.Sort)
	page2, err := idx.List(context.Background(), "/acct/stor/dir", opts)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, int64(300), page2[0].Mtime)
	assert.Equal(t, int64(400), page2[1].Mtime)
}

func TestListUnsortedLimitOne(t *testing.T) {
	idx := openIndex(t)
	for i := 0; i < 50; i++ {
		put(t, idx, obj(fmt.Sprintf("/acct/stor/dir/o%02d", i)))
	}

	// The directory-empty probe shape: one entry, no ordering.
	page, err := idx.List(context.Background(), "/acct/stor/dir",
		metadata.ListOptions{Limit: 1, Sort: metadata.SortNone})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestCountTracksCreatesAndDeletes(t *testing.T) {
	idx := openIndex(t)
	put(t, idx, &types.ObjectMetadata{Key: "/acct/stor/dir", Owner: "acct", Type: types.TypeDirectory})

	count, err := idx.Count(context.Background(), "/acct/stor/dir")
	require.NoError(t, err)
	assert.Zero(t, count)

	put(t, idx, obj("/acct/stor/dir/a"))
	put(t, idx, obj("/acct/stor/dir/b"))
	// Overwrites must not double count.
	put(t, idx, obj("/acct/stor/dir/a"))

	count, err = idx.Count(context.Background(), "/acct/stor/dir")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, idx.Delete(context.Background(), "/acct/stor/dir/a", nil))
	count, err = idx.Count(context.Background(), "/acct/stor/dir")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestReady(t *testing.T) {
	idx, err := badger.Open(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, idx.Ready(context.Background()))

	require.NoError(t, idx.Close())
	assert.Error(t, idx.Ready(context.Background()))
}
