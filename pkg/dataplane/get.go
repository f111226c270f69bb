package dataplane

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/types"
)

// GetEntry serves GET and HEAD for both objects and directories.
func (c *Core) GetEntry(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string, headOnly bool) error {
	ctx := r.Context()

	entry, err := c.env.Load(ctx, key, false)
	if err != nil {
		return err
	}
	if !entry.Exists() {
		return errors.NewResourceNotFound(key)
	}

	if err := checkPreconditions(r, entry); err != nil {
		if err == errNotModified {
			w.WriteHeader(http.StatusNotModified)
			return nil
		}
		return err
	}

	if entry.MD.IsDirectory() {
		return c.serveDirectory(w, r, caller, key, entry, headOnly)
	}
	return c.serveObject(w, r, key, entry, headOnly)
}

func (c *Core) serveObject(w http.ResponseWriter, r *http.Request, key string, entry *metadata.Entry, headOnly bool) error {
	md := entry.MD
	writeObjectHeaders(w.Header(), md)

	rangeHeader := r.Header.Get("Range")
	if strings.Contains(rangeHeader, ",") {
		return errors.NewNotImplemented("multi-range requests")
	}

	if headOnly || md.ContentLength == 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(md.ContentLength, 10))
		w.WriteHeader(http.StatusOK)
		return nil
	}

	ref := shark.ObjectRef{
		Owner:     md.Owner,
		ObjectID:  md.ObjectID,
		RequestID: middleware.GetReqID(r.Context()),
	}

	resp, body, err := c.fetchFromSharks(r, md, ref, rangeHeader)
	if err != nil {
		return err
	}
	defer body.Close()

	switch resp.StatusCode {
	case http.StatusRequestedRangeNotSatisfiable:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
		return errors.NewRangeNotSatisfiable(rangeHeader)
	case http.StatusPartialContent:
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			w.Header().Set("Content-Range", cr)
		}
		w.Header().Set("Content-Length", resp.Header.Get("Content-Length"))
		w.WriteHeader(http.StatusPartialContent)
	default:
		w.Header().Set("Content-Length", strconv.FormatInt(md.ContentLength, 10))
		w.WriteHeader(http.StatusOK)
	}

	// Headers are on the wire: from here on a failure can only be
	// logged, never turned into a status.
	var sum hash.Hash
	var out io.Writer = w
	if rangeHeader == "" {
		sum = md5.New()
		out = io.MultiWriter(w, sum)
	}

	n, err := io.Copy(out, body)
	metrics.AddBytesOut(c.ops, n)
	if err != nil {
		logger.Warn("object stream truncated",
			logger.KeyPath, key,
			logger.KeyBytesOut, n,
			logger.KeyStatus, errors.StatusClientClosed,
			logger.KeyError, err)
		return nil
	}

	if sum != nil {
		computed := base64.StdEncoding.EncodeToString(sum.Sum(nil))
		if computed != md.ContentMD5 {
			logger.Error("corrupted object body streamed",
				logger.KeyPath, key,
				logger.KeyMD5, computed,
				"stored_md5", md.ContentMD5,
				logger.KeyStatus, errors.StatusCorruptedBody)
		}
	}
	return nil
}

// fetchFromSharks walks the stored replica list sequentially and
// returns the first response a node is willing to serve. A 416 counts
// as served: the range complaint is the client's answer.
func (c *Core) fetchFromSharks(r *http.Request, md *types.ObjectMetadata, ref shark.ObjectRef, rangeHeader string) (*http.Response, io.ReadCloser, error) {
	var lastErr error
	for _, s := range md.Sharks {
		client := c.sharks.ClientForShark(s)
		resp, body, err := client.Get(r.Context(), ref, rangeHeader)
		if err == nil {
			return resp, body, nil
		}
		lastErr = err
		logger.Warn("replica fetch failed, trying next",
			logger.KeyShark, s.StorageID,
			logger.KeyError, err)
	}
	if lastErr == nil {
		return nil, nil, errors.NewResourceNotFound(md.Key)
	}
	return nil, nil, errors.NewInternal(lastErr)
}

// writeObjectHeaders emits the stored representation headers plus the
// whitelisted echo set and the m-* custom headers.
func writeObjectHeaders(h http.Header, md *types.ObjectMetadata) {
	h.Set("Etag", md.ObjectID)
	h.Set("Last-Modified", time.UnixMilli(md.Mtime).UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Durability-Level", strconv.Itoa(md.Durability()))
	if md.ContentType != "" {
		h.Set("Content-Type", md.ContentType)
	}
	if md.ContentMD5 != "" {
		h.Set("Content-MD5", md.ContentMD5)
	}
	if md.ContentDisposition != "" {
		h.Set("Content-Disposition", md.ContentDisposition)
	}
	for name, value := range md.Headers {
		h.Set(name, value)
	}
}
