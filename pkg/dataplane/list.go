package dataplane

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/metadata"
	"github.com/shoalstore/shoal/pkg/types"
)

const (
	directoryContentType = "application/x-json-stream; type=directory"

	listLimitDefault = 256
	listLimitMax     = 1024
)

// listEntry is one line of a directory listing.
type listEntry struct {
	Name               string `json:"name"`
	Type               string `json:"type"`
	Mtime              string `json:"mtime"`
	Etag               string `json:"etag,omitempty"`
	Size               int64  `json:"size"`
	ContentType        string `json:"contentType,omitempty"`
	ContentMD5         string `json:"contentMD5,omitempty"`
	ContentDisposition string `json:"contentDisposition,omitempty"`
	Durability         int    `json:"durability"`
}

func (c *Core) serveDirectory(w http.ResponseWriter, r *http.Request, caller *types.Caller, key string, entry *metadata.Entry, headOnly bool) error {
	ctx := r.Context()

	opts, err := parseListOptions(r, caller)
	if err != nil {
		return err
	}

	count, err := c.env.Index().Count(ctx, key)
	if err != nil {
		return errors.NewInternal(err)
	}

	h := w.Header()
	h.Set("Content-Type", directoryContentType)
	h.Set("Result-Set-Size", strconv.FormatInt(count, 10))
	h.Set("Etag", entry.MD.Etag)
	h.Set("Last-Modified", time.UnixMilli(entry.MD.Mtime).UTC().Format(http.TimeFormat))

	if headOnly {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	children, err := c.env.Index().List(ctx, key, opts)
	if err != nil {
		return errors.NewInternal(err)
	}

	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, md := range children {
		if err := enc.Encode(toListEntry(md)); err != nil {
			// Client went away mid-listing.
			return nil
		}
	}
	return nil
}

func toListEntry(md *types.ObjectMetadata) listEntry {
	e := listEntry{
		Name:               types.BaseOf(md.Key),
		Mtime:              time.UnixMilli(md.Mtime).UTC().Format("2006-01-02T15:04:05.000Z"),
		Etag:               md.Etag,
		Size:               md.ContentLength,
		ContentType:        md.ContentType,
		ContentMD5:         md.ContentMD5,
		ContentDisposition: md.ContentDisposition,
		Durability:         md.Durability(),
	}
	if md.IsDirectory() {
		e.Type = "directory"
	} else {
		e.Type = "object"
		e.Etag = md.ObjectID
	}
	return e
}

// parseListOptions validates limit, marker, sort, sort_order and the
// type filters. sort=none skips index-side ordering and is reserved for
// operators.
func parseListOptions(r *http.Request, caller *types.Caller) (metadata.ListOptions, error) {
	q := r.URL.Query()
	opts := metadata.ListOptions{
		Limit: listLimitDefault,
		Sort:  metadata.SortByName,
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > listLimitMax {
			return opts, errors.NewInvalidLimit(raw)
		}
		opts.Limit = limit
	}

	opts.Marker = q.Get("marker")

	switch sort := q.Get("sort"); sort {
	case "", "name":
		opts.Sort = metadata.SortByName
	case "mtime":
		opts.Sort = metadata.SortByMtime
	case "none":
		if caller == nil || !caller.Operator {
			return opts, errors.NewAuthorization(callerAccount(caller))
		}
		opts.Sort = metadata.SortNone
	default:
		return opts, errors.NewInvalidParameter("sort", sort)
	}

	switch order := q.Get("sort_order"); order {
	case "", "asc", "ascending":
	case "reverse", "desc", "descending":
		opts.Reverse = true
	default:
		return opts, errors.NewInvalidParameter("sort_order", order)
	}

	hasDir := q.Has("dir") || q.Has("directory")
	hasObj := q.Has("obj") || q.Has("object")
	switch {
	case hasDir && hasObj:
		return opts, errors.NewInvalidParameter("dir", "cannot combine with obj")
	case hasDir:
		opts.Filter = metadata.FilterDirectories
	case hasObj:
		opts.Filter = metadata.FilterObjects
	}

	return opts, nil
}

func callerAccount(caller *types.Caller) string {
	if caller == nil {
		return ""
	}
	return caller.Account
}
