package dataplane

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metadata/memory"
	"github.com/shoalstore/shoal/pkg/picker"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/types"
)

const testAccount = "alice-uuid"

var testCaller = &types.Caller{Account: testAccount}

// fakeShark is an in-process storage node: it stores uploaded bytes,
// reports the MD5 it computed, rejects client checksum mismatches with
// the designated status, and serves ranged reads.
type fakeShark struct {
	srv *httptest.Server

	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newFakeShark(t *testing.T) *fakeShark {
	t.Helper()
	f := &fakeShark{objects: make(map[string][]byte)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeShark) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sum := md5.Sum(body)
		computed := base64.StdEncoding.EncodeToString(sum[:])
		if want := r.Header.Get("Content-MD5"); want != "" && want != computed {
			w.WriteHeader(shark.StatusChecksumRejected)
			return
		}
		f.mu.Lock()
		f.objects[r.URL.Path] = body
		f.puts++
		f.mu.Unlock()
		w.Header().Set("Computed-MD5", computed)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet, http.MethodHead:
		f.mu.Lock()
		body, ok := f.objects[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, newByteSeeker(body))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeShark) node() types.StorageNode {
	u, _ := url.Parse(f.srv.URL)
	return types.StorageNode{
		StorageID:      u.Host,
		Datacenter:     "dc-a",
		AvailableBytes: 1 << 40,
		PercentUsed:    10,
		LastHeartbeat:  time.Now(),
	}
}

func (f *fakeShark) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeShark) object(owner, objectID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects["/"+owner+"/"+objectID]
	return b, ok
}

// corrupt flips the stored bytes for an object without updating the
// MD5 a later GET claims.
func (f *fakeShark) corrupt(owner, objectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := "/" + owner + "/" + objectID
	if b, ok := f.objects[key]; ok && len(b) > 0 {
		b[0] ^= 0xff
	}
}

func newByteSeeker(b []byte) io.ReadSeeker {
	return &seekableBytes{data: b}
}

type seekableBytes struct {
	data []byte
	off  int64
}

func (s *seekableBytes) Read(p []byte) (int, error) {
	if s.off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.off:])
	s.off += int64(n)
	return n, nil
}

func (s *seekableBytes) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		s.off = offset
	case io.SeekCurrent:
		s.off += offset
	case io.SeekEnd:
		s.off = int64(len(s.data)) + offset
	}
	return s.off, nil
}

type fixture struct {
	core *Core
	idx  *memory.Index
}

func newFixture(t *testing.T, cfg Config, mdCfg metadata.Config, sharks ...*fakeShark) *fixture {
	t.Helper()
	nodes := make([]types.StorageNode, 0, len(sharks))
	for _, f := range sharks {
		nodes = append(nodes, f.node())
	}
	return newFixtureWithNodes(t, cfg, nodes, mdCfg)
}

func newFixtureWithNodes(t *testing.T, cfg Config, nodes []types.StorageNode, mdCfgs ...metadata.Config) *fixture {
	t.Helper()

	var mdCfg metadata.Config
	if len(mdCfgs) > 0 {
		mdCfg = mdCfgs[0]
	}
	idx := memory.New()
	env := metadata.New(idx, metadata.StaticRoleResolver{"ops": "role-uuid-1"}, mdCfg)
	p := picker.New(picker.Config{}, picker.NewStaticDirectory(nodes, 100))
	if len(nodes) > 0 {
		require.NoError(t, p.Refresh(context.Background()))
	}

	registry := shark.NewRegistry(shark.Config{
		ConnectTimeout: 500 * time.Millisecond,
		Retry: shark.RetryConfig{
			Attempts:     1,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
	})

	return &fixture{
		core: New(env, p, registry, nil, nil, cfg),
		idx:  idx,
	}
}

// mkdir seeds a directory record straight through the index.
func (fx *fixture) mkdir(t *testing.T, key string) {
	t.Helper()
	_, err := fx.idx.Put(context.Background(), &types.ObjectMetadata{
		Key:   key,
		Owner: types.AccountOf(key),
		Type:  types.TypeDirectory,
		Mtime: time.Now().UnixMilli(),
	}, nil)
	require.NoError(t, err)
}

func md5Base64(b []byte) string {
	sum := md5.Sum(b)
	return base64.StdEncoding.EncodeToString(sum[:])
}
