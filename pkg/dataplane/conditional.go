package dataplane

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
)

// errNotModified short-circuits a read whose preconditions resolved to
// "client already has it". Handlers translate it to a bare 304.
var errNotModified = stderrors.New("not modified")

// isConditional reports whether the request carries any write
// precondition. Conditional writes commit with the loaded etag so a
// concurrent writer surfaces as ConcurrentRequestError instead of a
// silent lost update.
func isConditional(r *http.Request) bool {
	return r.Header.Get("If-Match") != "" ||
		r.Header.Get("If-None-Match") != "" ||
		r.Header.Get("If-Unmodified-Since") != ""
}

// checkPreconditions evaluates If-Match, If-None-Match,
// If-Modified-Since and If-Unmodified-Since against the loaded entry.
// It returns errNotModified for a read that should answer 304, or a
// PreconditionFailed for a failed write precondition.
func checkPreconditions(r *http.Request, entry *metadata.Entry) error {
	etag := entryEtag(entry)
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	if im := r.Header.Get("If-Match"); im != "" {
		if !entry.Exists() || !etagListMatches(im, etag) {
			return errors.NewPreconditionFailed("if-match", im)
		}
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if entry.Exists() && etagListMatches(inm, etag) {
			if readOnly {
				return errNotModified
			}
			return errors.NewPreconditionFailed("if-none-match", inm)
		}
	}

	if ius := r.Header.Get("If-Unmodified-Since"); ius != "" && entry.Exists() {
		if since, ok := parseHTTPTime(ius); ok && modifiedAfter(entry, since) {
			return errors.NewPreconditionFailed("if-unmodified-since", ius)
		}
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" && readOnly && entry.Exists() {
		if since, ok := parseHTTPTime(ims); ok && !modifiedAfter(entry, since) {
			return errNotModified
		}
	}

	return nil
}

// writeCondition translates the request's preconditions into the
// index-level commit condition: the loaded etag for an overwrite, or
// must-not-exist for If-None-Match: *.
func writeCondition(r *http.Request, entry *metadata.Entry) *metadata.Condition {
	if !isConditional(r) {
		return nil
	}
	if r.Header.Get("If-None-Match") == "*" && !entry.Exists() {
		return &metadata.Condition{Etag: ""}
	}
	if entry.Exists() {
		return &metadata.Condition{Etag: entry.MD.Etag}
	}
	return nil
}

// entryEtag is the client-visible etag: the object id for objects and
// links, the index etag for directories.
func entryEtag(entry *metadata.Entry) string {
	if !entry.Exists() {
		return ""
	}
	if entry.MD.IsObject() && entry.MD.ObjectID != "" {
		return entry.MD.ObjectID
	}
	return entry.MD.Etag
}

func etagListMatches(list, etag string) bool {
	for _, candidate := range strings.Split(list, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == "*" || (etag != "" && candidate == etag) {
			return true
		}
	}
	return false
}

func parseHTTPTime(value string) (time.Time, bool) {
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// modifiedAfter compares with second granularity: HTTP dates cannot
// carry the metadata's millisecond precision.
func modifiedAfter(entry *metadata.Entry, since time.Time) bool {
	mtime := time.UnixMilli(entry.MD.Mtime).Truncate(time.Second)
	return mtime.After(since.Truncate(time.Second))
}
