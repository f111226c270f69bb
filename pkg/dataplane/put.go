package dataplane

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shoalstore/shoal/internal/logger"
	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/metrics"
	"github.com/shoalstore/shoal/pkg/shark"
	"github.com/shoalstore/shoal/pkg/types"
)

const fanoutChunkSize = 64 * 1024

// PutEntry dispatches a PUT on its content type: a typed JSON media
// type creates a directory or snaplink, anything else streams an
// object.
func (c *Core) PutEntry(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string) error {
	mediatype, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediatype == "application/json" || mediatype == "application/x-json-stream" {
		switch params["type"] {
		case "directory":
			return c.PutDirectory(w, r, caller, key)
		case "link":
			return c.PutLink(w, r, caller, key)
		}
	}
	return c.putObject(w, r, caller, key)
}

// PutDirectory is an idempotent mkdir: recreating a directory whose
// stored fields would not change is a 204 without an index write.
func (c *Core) PutDirectory(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string) error {
	ctx := r.Context()

	if types.IsRootPath(key) {
		// Roots always exist as directories.
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	entry, err := c.env.Load(ctx, key, true)
	if err != nil {
		return err
	}
	if entry.Exists() && !entry.MD.IsDirectory() {
		return errors.NewDirectoryOperation(key)
	}
	if err := c.env.EnsureParent(entry); err != nil {
		return err
	}
	if !entry.Exists() {
		if err := c.env.EnforceDirectoryCount(ctx, types.ParentOf(key)); err != nil {
			return err
		}
	}

	md, err := c.env.BuildMetadata(ctx, metadata.BuildOptions{
		Key:       key,
		Type:      types.TypeDirectory,
		Owner:     types.AccountOf(key),
		Caller:    caller,
		Previous:  entry.MD,
		RoleNames: roleNames(r),
		Headers:   r.Header,
	})
	if err != nil {
		return err
	}

	if entry.Exists() && directoryUnchanged(entry.MD, md) {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if _, err := c.env.Commit(ctx, md, writeCondition(r, entry)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// directoryUnchanged reports whether rewriting old as new would change
// any stored field a client can observe.
func directoryUnchanged(old, new *types.ObjectMetadata) bool {
	return maps.Equal(old.Headers, new.Headers) &&
		slices.Equal(old.Roles, new.Roles)
}

// PutLink creates a snaplink from the Location header's source object.
func (c *Core) PutLink(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string) error {
	ctx := r.Context()

	location := r.Header.Get("Location")
	if location == "" {
		return errors.NewInvalidLink(key)
	}
	sourceKey, err := types.NormalizePath(location)
	if err != nil || types.IsRootPath(sourceKey) || types.AccountOf(sourceKey) == "" {
		return errors.NewInvalidLink(location)
	}

	entry, err := c.env.Load(ctx, key, true)
	if err != nil {
		return err
	}
	if err := c.env.EnsureNotRoot(http.MethodPut, key, false); err != nil {
		return err
	}
	if err := c.env.EnsureNotDirectory(entry, false); err != nil {
		return err
	}
	if err := c.env.EnsureParent(entry); err != nil {
		return err
	}
	if !entry.Exists() {
		if err := c.env.EnforceDirectoryCount(ctx, types.ParentOf(key)); err != nil {
			return err
		}
	}
	if err := checkPreconditions(r, entry); err != nil {
		return err
	}

	link, err := c.env.CreateLink(ctx, metadata.LinkOptions{
		SourceKey:   sourceKey,
		SourceOwner: types.AccountOf(sourceKey),
		TargetKey:   key,
		TargetOwner: types.AccountOf(key),
		Caller:      caller,
		Cond:        writeCondition(r, entry),
		Headers:     r.Header,
		RoleNames:   roleNames(r),
	})
	if err != nil {
		return err
	}

	respondWritten(w, link.ObjectID, link.ContentMD5, link.Mtime)
	return nil
}

func (c *Core) putObject(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string) error {
	ctx := r.Context()

	entry, err := c.env.Load(ctx, key, true)
	if err != nil {
		return err
	}
	if err := c.env.EnsureNotRoot(http.MethodPut, key, false); err != nil {
		return err
	}
	if err := c.env.EnsureNotDirectory(entry, false); err != nil {
		return err
	}
	if err := c.env.EnsureParent(entry); err != nil {
		return err
	}
	if !entry.Exists() {
		if err := c.env.EnforceDirectoryCount(ctx, types.ParentOf(key)); err != nil {
			return err
		}
	}
	if err := checkPreconditions(r, entry); err != nil {
		return err
	}

	copies, err := parseDurability(r.Header, c.cfg.MaxObjectCopies, c.cfg.DefaultDurability)
	if err != nil {
		return err
	}
	size, err := c.uploadSizeBound(r)
	if err != nil {
		return err
	}
	clientMD5 := r.Header.Get("Content-MD5")
	if clientMD5 != "" {
		if _, err := base64.StdEncoding.DecodeString(clientMD5); err != nil {
			return errors.NewBadRequest("Content-MD5 %q is not valid base64", clientMD5)
		}
	}

	objectID := uuid.NewString()
	cond := writeCondition(r, entry)

	// Zero-byte objects never touch a storage node.
	if r.ContentLength == 0 {
		md, err := c.buildObjectMetadata(ctx, r, caller, key, objectID, entry, nil, zeroByteMD5, 0)
		if err != nil {
			return err
		}
		if _, err := c.env.Commit(ctx, md, cond); err != nil {
			return err
		}
		respondWritten(w, objectID, zeroByteMD5, md.Mtime)
		return nil
	}

	tuples, err := c.placement.Choose(size, copies, caller != nil && caller.Operator)
	if err != nil {
		return err
	}

	ref := shark.ObjectRef{
		Owner:     types.AccountOf(key),
		ObjectID:  objectID,
		RequestID: middleware.GetReqID(ctx),
	}
	opts := shark.PutOptions{
		ContentType:   objectContentType(r),
		ContentLength: r.ContentLength,
		ContentMD5:    clientMD5,
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	uploads, err := c.openUploads(streamCtx, tuples, ref, opts)
	if err != nil {
		return translateBackendError(err, clientMD5, "")
	}

	cs := NewCheckStream(size, c.cfg.DataTimeout)
	streamErr := c.streamBody(streamCtx, r.Body, cs, uploads)
	if streamErr != nil {
		abandonAll(cs, uploads)
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		return translateBackendError(streamErr, clientMD5, cs.SumBase64())
	}

	results, err := finishUploads(ctx, uploads)
	if err != nil {
		abandonAll(cs, uploads)
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		return translateBackendError(err, clientMD5, cs.SumBase64())
	}
	if err := cs.Finish(); err != nil {
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		return err
	}

	computed := cs.SumBase64()
	for i, res := range results {
		if res.ComputedMD5 != "" && res.ComputedMD5 != computed {
			// The node stored different bytes than we hashed. Never
			// retried: the data is on disk and must be reconciled out
			// of band.
			c.orphans.RecordOrphan(objectID, storageIDs(uploads))
			return errors.NewInternal(fmt.Errorf(
				"md5 divergence on %s: node %s vs local %s",
				uploads[i].StorageID(), res.ComputedMD5, computed))
		}
	}
	if clientMD5 != "" && clientMD5 != computed {
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		return errors.NewChecksum(clientMD5, computed)
	}

	sharks := uploadSharks(uploads)
	if cs.Bytes() == 0 {
		// A chunked transfer can turn out empty. Zero-byte objects
		// never carry sharks; the replicas the nodes stored are
		// reclaimed offline.
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		sharks = nil
	}

	md, err := c.buildObjectMetadata(ctx, r, caller, key, objectID, entry, sharks, computed, cs.Bytes())
	if err != nil {
		return err
	}
	if _, err := c.env.Commit(ctx, md, cond); err != nil {
		c.orphans.RecordOrphan(objectID, storageIDs(uploads))
		return err
	}

	metrics.AddBytesIn(c.ops, cs.Bytes())
	logger.Debug("object stored",
		logger.KeyPath, key,
		logger.KeySize, cs.Bytes(),
		logger.KeyCopies, len(uploads),
		logger.KeyMD5, computed)

	respondWritten(w, objectID, computed, md.Mtime)
	return nil
}

func (c *Core) buildObjectMetadata(ctx context.Context, r *http.Request, caller *types.Caller, key, objectID string, entry *metadata.Entry, sharks []types.Shark, md5 string, length int64) (*types.ObjectMetadata, error) {
	return c.env.BuildMetadata(ctx, metadata.BuildOptions{
		Key:           key,
		Type:          types.TypeObject,
		Owner:         types.AccountOf(key),
		Caller:        caller,
		ObjectID:      objectID,
		ContentLength: length,
		ContentMD5:    md5,
		ContentType:   objectContentType(r),
		Sharks:        sharks,
		Previous:      entry.MD,
		RoleNames:     roleNames(r),
		Headers:       r.Header,
	})
}

// parseDurability reads Durability-Level (or the X- variant), bounded
// to [1, max].
func parseDurability(h http.Header, max, fallback int) (int, error) {
	raw := h.Get("Durability-Level")
	if raw == "" {
		raw = h.Get("X-Durability-Level")
	}
	if raw == "" {
		return fallback, nil
	}
	copies, err := strconv.Atoi(raw)
	if err != nil || copies < 1 || copies > max {
		return 0, errors.NewInvalidDurabilityLevel(1, max)
	}
	return copies, nil
}

// uploadSizeBound is the byte budget for the upload: the declared
// Content-Length, or for chunked requests the Max-Content-Length header
// (falling back to the configured streaming cap).
func (c *Core) uploadSizeBound(r *http.Request) (int64, error) {
	if r.ContentLength >= 0 {
		return r.ContentLength, nil
	}
	raw := r.Header.Get("Max-Content-Length")
	if raw == "" {
		return c.cfg.DefaultMaxStreamingSize, nil
	}
	bound, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || bound < 0 {
		return 0, errors.NewInvalidParameter("max-content-length", raw)
	}
	return bound, nil
}

func objectContentType(r *http.Request) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func roleNames(r *http.Request) []string {
	raw := r.Header.Get("Role")
	if raw == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(raw, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// openUploads opens streams to every node of a tuple in parallel and
// waits for all of them to prove liveness. A failed tuple is abandoned
// whole and the next one is tried; running out of tuples is
// SharksExhausted.
func (c *Core) openUploads(ctx context.Context, tuples [][]types.StorageNode, ref shark.ObjectRef, opts shark.PutOptions) ([]*shark.Upload, error) {
	var lastErr error
	for _, tuple := range tuples {
		uploads := make([]*shark.Upload, 0, len(tuple))
		for _, node := range tuple {
			uploads = append(uploads, c.sharks.ClientFor(node).Put(ctx, ref, opts))
		}

		ok := true
		for _, u := range uploads {
			select {
			case err := <-u.Ready():
				if err != nil {
					ok = false
					lastErr = err
				}
			case <-ctx.Done():
				ok = false
				lastErr = ctx.Err()
			}
		}
		if ok {
			return uploads, nil
		}

		for _, u := range uploads {
			u.Abandon()
		}
		if ctx.Err() != nil {
			return nil, errors.NewUploadAbandoned()
		}
		logger.Warn("placement tuple unusable, trying next",
			logger.KeyTuple, storageIDs(uploads),
			logger.KeyError, lastErr)
	}
	return nil, errors.NewSharksExhausted().WithCause(lastErr)
}

// streamBody fans the client body out to the CheckStream and every
// upload. The loop runs in its own goroutine so a stalled client read
// cannot outlive the idle timer or the request context.
func (c *Core) streamBody(ctx context.Context, body io.Reader, cs *CheckStream, uploads []*shark.Upload) error {
	done := make(chan error, 1)
	go func() {
		done <- fanout(body, cs, uploads)
	}()

	select {
	case err := <-done:
		return err
	case <-cs.TimedOut():
		return cs.Finish()
	case <-ctx.Done():
		return errors.NewUploadAbandoned()
	}
}

// fanout copies the body chunk-wise into the CheckStream and then into
// every upload. Writes to an upload block until its node consumes the
// bytes, so the client is backpressured to the slowest node.
func fanout(body io.Reader, cs *CheckStream, uploads []*shark.Upload) error {
	buf := make([]byte, fanoutChunkSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := cs.Write(buf[:n]); err != nil {
				return err
			}
			for _, u := range uploads {
				if _, err := u.Write(buf[:n]); err != nil {
					return fmt.Errorf("streaming to %s: %w", u.StorageID(), err)
				}
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// finishUploads closes every stream and collects the nodes' final
// responses in parallel. The first failure cancels the rest.
func finishUploads(ctx context.Context, uploads []*shark.Upload) ([]*shark.PutResult, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]*shark.PutResult, len(uploads))
	for i, u := range uploads {
		i, u := i, u
		g.Go(func() error {
			res, err := u.Finish(gctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func abandonAll(cs *CheckStream, uploads []*shark.Upload) {
	cs.Abandon()
	for _, u := range uploads {
		u.Abandon()
	}
}

func storageIDs(uploads []*shark.Upload) []string {
	ids := make([]string, len(uploads))
	for i, u := range uploads {
		ids[i] = u.StorageID()
	}
	return ids
}

func uploadSharks(uploads []*shark.Upload) []types.Shark {
	sharks := make([]types.Shark, len(uploads))
	for i, u := range uploads {
		sharks[i] = types.Shark{
			Datacenter: u.Datacenter(),
			StorageID:  u.StorageID(),
		}
	}
	return sharks
}

// translateBackendError maps a storage-node failure onto the public
// taxonomy: a checksum rejection is the client's problem, another 4xx
// with a client-supplied MD5 is a bad request, everything else is ours.
func translateBackendError(err error, clientMD5, computed string) error {
	var apiErr *errors.APIError
	if stderrors.As(err, &apiErr) {
		return err
	}
	if shark.IsChecksumMismatch(err) {
		return errors.NewChecksum(clientMD5, computed)
	}
	var be *shark.BackendStatusError
	if stderrors.As(err, &be) && be.StatusCode >= 400 && be.StatusCode < 500 && clientMD5 != "" {
		return errors.NewBadRequest("storage node %s rejected the payload", be.StorageID).WithCause(err)
	}
	return errors.NewInternal(err)
}

func respondWritten(w http.ResponseWriter, objectID, md5 string, mtime int64) {
	h := w.Header()
	h.Set("Etag", objectID)
	if md5 != "" {
		h.Set("Computed-MD5", md5)
	}
	h.Set("Last-Modified", time.UnixMilli(mtime).UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusNoContent)
}
