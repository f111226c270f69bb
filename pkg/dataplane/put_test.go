package dataplane

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/types"
)

func putRequest(key string, body []byte, headers map[string]string) *http.Request {
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader(nil)
	} else {
		rd = bytes.NewReader(body)
	}
	r := httptest.NewRequest(http.MethodPut, "http://example"+key, rd)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestPutObjectSingleCopy(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	body := []byte("hello, shoal\n")
	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/obj", body, nil), testCaller, "/alice-uuid/stor/obj")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, md5Base64(body), w.Header().Get("Computed-MD5"))
	assert.NotEmpty(t, w.Header().Get("Etag"))
	assert.NotEmpty(t, w.Header().Get("Last-Modified"))

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/obj")
	require.NoError(t, err)
	assert.Equal(t, types.TypeObject, md.Type)
	assert.Equal(t, int64(len(body)), md.ContentLength)
	assert.Equal(t, md5Base64(body), md.ContentMD5)
	require.Len(t, md.Sharks, 1)
	assert.Equal(t, w.Header().Get("Etag"), md.ObjectID)

	stored, ok := node.object(testAccount, md.ObjectID)
	require.True(t, ok)
	assert.Equal(t, body, stored)
}

func TestPutObjectFansOutToAllCopies(t *testing.T) {
	a, b := newFakeShark(t), newFakeShark(t)
	fx := newFixture(t, Config{}, metadata.Config{}, a, b)

	body := bytes.Repeat([]byte("abc"), 40000)
	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/big", body, nil), testCaller, "/alice-uuid/stor/big")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, w.Code)

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/big")
	require.NoError(t, err)
	require.Len(t, md.Sharks, 2, "default durability is 2")

	for _, node := range []*fakeShark{a, b} {
		stored, ok := node.object(testAccount, md.ObjectID)
		require.True(t, ok)
		assert.Equal(t, body, stored)
	}
}

func TestPutObjectDurabilityBounds(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	for _, level := range []string{"0", "99", "two"} {
		w := httptest.NewRecorder()
		err := fx.core.PutEntry(w,
			putRequest("/alice-uuid/stor/obj", []byte("x"), map[string]string{"Durability-Level": level}),
			testCaller, "/alice-uuid/stor/obj")
		assert.True(t, errors.IsCode(err, errors.CodeInvalidDurabilityLevel), "level %s", level)
	}
	assert.Zero(t, node.putCount(), "no backend I/O for rejected arguments")
}

func TestPutObjectZeroByteFastPath(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/empty", nil, nil), testCaller, "/alice-uuid/stor/empty")
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, zeroByteMD5, w.Header().Get("Computed-MD5"))
	assert.Zero(t, node.putCount(), "zero-byte objects never touch a node")

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/empty")
	require.NoError(t, err)
	assert.Empty(t, md.Sharks)
	assert.Zero(t, md.ContentLength)
}

func TestPutObjectChunkedZeroByte(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	// A chunked request declares no length, so the streaming path runs
	// even when the body turns out empty. The committed record must
	// still have the no-shark shape of a zero-byte object.
	r := httptest.NewRequest(http.MethodPut, "http://example/alice-uuid/stor/empty",
		io.NopCloser(strings.NewReader("")))
	require.Equal(t, int64(-1), r.ContentLength)

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, r, testCaller, "/alice-uuid/stor/empty")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, zeroByteMD5, w.Header().Get("Computed-MD5"))

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/empty")
	require.NoError(t, err)
	assert.Zero(t, md.ContentLength)
	assert.Empty(t, md.Sharks)
}

func TestPutObjectChecksumRejection(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("actual bytes"),
			map[string]string{"Content-MD5": md5Base64([]byte("different bytes"))}),
		testCaller, "/alice-uuid/stor/obj")
	assert.True(t, errors.IsCode(err, errors.CodeChecksum))

	_, idxErr := fx.idx.Get(context.Background(), "/alice-uuid/stor/obj")
	assert.Error(t, idxErr, "no metadata committed for rejected payloads")
}

func TestPutObjectInvalidContentMD5(t *testing.T) {
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, newFakeShark(t))

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("x"), map[string]string{"Content-MD5": "not base64!!"}),
		testCaller, "/alice-uuid/stor/obj")
	assert.True(t, errors.IsCode(err, errors.CodeBadRequest))
}

func TestPutObjectRootRejected(t *testing.T) {
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, newFakeShark(t))

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor", []byte("x"), nil), testCaller, "/alice-uuid/stor")
	assert.True(t, errors.IsCode(err, errors.CodeRootDirectory))
}

func TestPutObjectMissingParent(t *testing.T) {
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, newFakeShark(t))

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/ghost/obj", []byte("x"), nil),
		testCaller, "/alice-uuid/stor/ghost/obj")
	assert.True(t, errors.IsCode(err, errors.CodeDirectoryDoesNotExist))
}

func TestPutObjectDirectoryLimit(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{DirectoryLimit: 1}, node)
	fx.mkdir(t, "/alice-uuid/stor/dir")

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, putRequest("/alice-uuid/stor/dir/first", []byte("x"), nil),
		testCaller, "/alice-uuid/stor/dir/first"))

	w = httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/dir/second", []byte("x"), nil),
		testCaller, "/alice-uuid/stor/dir/second")
	assert.True(t, errors.IsCode(err, errors.CodeDirectoryLimit))
	assert.Equal(t, 1, node.putCount(), "limit rejection happens before backend I/O")
}

func TestPutObjectSharksExhausted(t *testing.T) {
	// A node that is in the placement view but unreachable.
	dead := newFakeShark(t)
	node := dead.node()
	dead.srv.Close()

	fx := newFixtureWithNodes(t, Config{DefaultDurability: 1}, []types.StorageNode{node})
	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w, putRequest("/alice-uuid/stor/obj", []byte("x"), nil),
		testCaller, "/alice-uuid/stor/obj")
	assert.True(t, errors.IsCode(err, errors.CodeSharksExhausted))
}

func TestPutObjectConditionalOverwrite(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, node)

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, putRequest("/alice-uuid/stor/obj", []byte("v1"), nil),
		testCaller, "/alice-uuid/stor/obj"))
	firstID := w.Header().Get("Etag")

	// If-Match against the current etag succeeds.
	w = httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("v2"), map[string]string{"If-Match": firstID}),
		testCaller, "/alice-uuid/stor/obj"))

	// If-Match against the replaced etag fails the precondition.
	w = httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("v3"), map[string]string{"If-Match": firstID}),
		testCaller, "/alice-uuid/stor/obj")
	assert.True(t, errors.IsCode(err, errors.CodePreconditionFailed))

	// If-None-Match: * refuses to create over an existing entry.
	w = httptest.NewRecorder()
	err = fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("v4"), map[string]string{"If-None-Match": "*"}),
		testCaller, "/alice-uuid/stor/obj")
	assert.True(t, errors.IsCode(err, errors.CodePreconditionFailed))
}

func TestPutDirectoryIdempotent(t *testing.T) {
	fx := newFixture(t, Config{}, metadata.Config{}, newFakeShark(t))

	mkdirReq := func() *http.Request {
		return putRequest("/alice-uuid/stor/dir", nil,
			map[string]string{"Content-Type": "application/json; type=directory"})
	}

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, mkdirReq(), testCaller, "/alice-uuid/stor/dir"))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The second identical mkdir must not write the index at all.
	fx.idx.FailPut = func(*types.ObjectMetadata) error {
		t.Fatal("re-mkdir of an unchanged directory wrote the index")
		return nil
	}
	w = httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, mkdirReq(), testCaller, "/alice-uuid/stor/dir"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPutDirectoryOnRoot(t *testing.T) {
	fx := newFixture(t, Config{}, metadata.Config{})

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor", nil, map[string]string{"Content-Type": "application/json; type=directory"}),
		testCaller, "/alice-uuid/stor"))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestPutDirectoryOverObject(t *testing.T) {
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, newFakeShark(t))

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, putRequest("/alice-uuid/stor/x", []byte("x"), nil),
		testCaller, "/alice-uuid/stor/x"))

	w = httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/x", nil, map[string]string{"Content-Type": "application/json; type=directory"}),
		testCaller, "/alice-uuid/stor/x")
	assert.True(t, errors.IsCode(err, errors.CodeDirectoryOperation))
}

func TestPutLink(t *testing.T) {
	node := newFakeShark(t)
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{SnaplinksEnabled: true}, node)

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w, putRequest("/alice-uuid/stor/src", []byte("linked"), nil),
		testCaller, "/alice-uuid/stor/src"))
	srcID := w.Header().Get("Etag")

	w = httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/lnk", nil, map[string]string{
			"Content-Type": "application/json; type=link",
			"Location":     "/alice-uuid/stor/src",
		}),
		testCaller, "/alice-uuid/stor/lnk")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, srcID, w.Header().Get("Etag"), "a link shares the source's object id")

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/lnk")
	require.NoError(t, err)
	assert.Equal(t, types.TypeLink, md.Type)

	src, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/src")
	require.NoError(t, err)
	assert.False(t, src.SinglePath)
}

func TestPutLinkWithoutLocation(t *testing.T) {
	fx := newFixture(t, Config{}, metadata.Config{SnaplinksEnabled: true})

	w := httptest.NewRecorder()
	err := fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/lnk", nil, map[string]string{"Content-Type": "application/json; type=link"}),
		testCaller, "/alice-uuid/stor/lnk")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidLink))
}

func TestPutObjectCustomHeadersStored(t *testing.T) {
	fx := newFixture(t, Config{DefaultDurability: 1}, metadata.Config{}, newFakeShark(t))

	w := httptest.NewRecorder()
	require.NoError(t, fx.core.PutEntry(w,
		putRequest("/alice-uuid/stor/obj", []byte("x"), map[string]string{
			"M-Pipeline":   "nightly",
			"Content-Type": "text/plain",
		}),
		testCaller, "/alice-uuid/stor/obj"))

	md, err := fx.idx.Get(context.Background(), "/alice-uuid/stor/obj")
	require.NoError(t, err)
	assert.Equal(t, "nightly", md.Headers["m-pipeline"])
	assert.Equal(t, "text/plain", md.ContentType)
}

func TestParseDurabilityDefaults(t *testing.T) {
	h := http.Header{}
	copies, err := parseDurability(h, 9, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, copies)

	h.Set("X-Durability-Level", "3")
	copies, err = parseDurability(h, 9, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, copies)
}

func TestUploadSizeBound(t *testing.T) {
	fx := newFixture(t, Config{DefaultMaxStreamingSize: 1000}, metadata.Config{})

	r := putRequest("/alice-uuid/stor/x", []byte("12345"), nil)
	size, err := fx.core.uploadSizeBound(r)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	r.ContentLength = -1
	size, err = fx.core.uploadSizeBound(r)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), size)

	r.Header.Set("Max-Content-Length", "64")
	size, err = fx.core.uploadSizeBound(r)
	require.NoError(t, err)
	assert.Equal(t, int64(64), size)

	r.Header.Set("Max-Content-Length", "nope")
	_, err = fx.core.uploadSizeBound(r)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParameter))
}

func TestRoleNames(t *testing.T) {
	r := putRequest("/alice-uuid/stor/x", nil, map[string]string{"Role": "ops, readers"})
	assert.Equal(t, []string{"ops", "readers"}, roleNames(r))

	r = putRequest("/alice-uuid/stor/x", nil, nil)
	assert.Nil(t, roleNames(r))
}

func TestFanoutChunking(t *testing.T) {
	cs := NewCheckStream(0, 0)
	body := strings.NewReader(strings.Repeat("z", 3*fanoutChunkSize+17))
	require.NoError(t, fanout(body, cs, nil))
	assert.Equal(t, int64(3*fanoutChunkSize+17), cs.Bytes())
}
