package shark

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shoalstore/shoal/pkg/types"
)

// testClient builds a client whose storage id is the test server's
// host:port, which is exactly how production ids resolve.
func testClient(t *testing.T, srv *httptest.Server, cfg Config) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	reg := NewRegistry(cfg)
	return reg.ClientFor(types.StorageNode{StorageID: u.Host, Datacenter: "dc-test"})
}

func testRef() ObjectRef {
	return ObjectRef{Owner: "acct-uuid", ObjectID: "obj-uuid", RequestID: "req-uuid"}
}

func TestPutStreamsAfter100Continue(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/acct-uuid/obj-uuid", r.URL.Path)
		// Reading the body makes net/http emit the 100-continue.
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = string(b)
		w.Header().Set("Computed-MD5", "fakemd5==")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	u := c.Put(context.Background(), testRef(), PutOptions{ContentType: "text/plain", ContentLength: 5})

	require.NoError(t, <-u.Ready())
	_, err := u.Write([]byte("hi"))
	require.NoError(t, err)
	_, err = u.Write([]byte(" 5\n"))
	require.NoError(t, err)

	res, err := u.Finish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "fakemd5==", res.ComputedMD5)
	assert.Equal(t, "hi 5\n", gotBody)
}

func TestPutEarlyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reject without touching the body: no 100-continue is sent.
		http.Error(w, "no space", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	u := c.Put(context.Background(), testRef(), PutOptions{ContentLength: 3})

	err := <-u.Ready()
	require.Error(t, err)
	var be *BackendStatusError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusInsufficientStorage, be.StatusCode)
	assert.Contains(t, string(be.Body), "no space")
}

func TestPutChecksumRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(StatusChecksumRejected)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	u := c.Put(context.Background(), testRef(), PutOptions{ContentLength: 2, ContentMD5: "AAA=="})

	require.NoError(t, <-u.Ready())
	u.Write([]byte("hi"))
	_, err := u.Finish(context.Background())
	require.Error(t, err)
	assert.True(t, IsChecksumMismatch(err))
}

func TestPutConnectTimeoutOnSilentPeer(t *testing.T) {
	// A listener that accepts and then says nothing: the keep-alive
	// socket attaches but the peer never proves liveness.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	reg := NewRegistry(Config{ConnectTimeout: 100 * time.Millisecond})
	c := reg.ClientFor(types.StorageNode{StorageID: ln.Addr().String()})

	u := c.Put(context.Background(), testRef(), PutOptions{ContentLength: 2})

	select {
	case err := <-u.Ready():
		require.Error(t, err)
		assert.True(t, IsConnectFailure(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Ready never resolved")
	}
}

func TestPutAbandonIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	u := c.Put(context.Background(), testRef(), PutOptions{ContentLength: -1})
	<-u.Ready()

	u.Abandon()
	u.Abandon()

	_, err := u.Write([]byte("late"))
	assert.Error(t, err, "writes after abandon must fail")
}

func TestGetStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/acct-uuid/obj-uuid", r.URL.Path)
		w.Write([]byte("object bytes"))
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second, IdleTimeout: time.Second})
	resp, body, err := c.Get(context.Background(), testRef(), "")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "object bytes", string(b))
}

func TestGetRangePassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-3", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-3/12")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("obje"))
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	resp, body, err := c.Get(context.Background(), testRef(), "bytes=0-3")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestGetBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	_, _, err := c.Get(context.Background(), testRef(), "")
	require.Error(t, err)
	var be *BackendStatusError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, http.StatusNotFound, be.StatusCode)
}

func TestGetConnectTimeoutOnSilentPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	reg := NewRegistry(Config{ConnectTimeout: 100 * time.Millisecond, Retry: RetryConfig{Attempts: 0}})
	c := reg.ClientFor(types.StorageNode{StorageID: ln.Addr().String()})

	_, _, err = c.Get(context.Background(), testRef(), "")
	require.Error(t, err)
	assert.True(t, IsConnectFailure(err), "got %v", err)
}

func TestHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv, Config{ConnectTimeout: 2 * time.Second})
	resp, err := c.Head(context.Background(), testRef())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegistrySharesClients(t *testing.T) {
	reg := NewRegistry(Config{})
	n := types.StorageNode{StorageID: "1.stor.example.com", Datacenter: "dc-a"}

	a := reg.ClientFor(n)
	b := reg.ClientFor(n)
	assert.Same(t, a, b)

	c := reg.ClientForShark(types.Shark{StorageID: "1.stor.example.com", Datacenter: "dc-a"})
	assert.Same(t, a, c)

	other := reg.ClientFor(types.StorageNode{StorageID: "2.stor.example.com"})
	assert.NotSame(t, a, other)

	if !strings.HasPrefix(other.base, "http://2.stor") {
		t.Errorf("unexpected base url %q", other.base)
	}
}
