package metadata

import (
	"context"
	"mime"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shoalstore/shoal/pkg/errors"
	"github.com/shoalstore/shoal/pkg/types"
)

// headerWhitelist are the request headers copied verbatim into stored
// metadata and echoed on reads: the CORS response set plus caching and
// surrogate keys.
var headerWhitelist = []string{
	"access-control-allow-headers",
	"access-control-allow-methods",
	"access-control-allow-origin",
	"access-control-expose-headers",
	"access-control-max-age",
	"cache-control",
	"surrogate-key",
}

// customHeaderBudget caps the aggregate size of stored m-* headers.
// Accumulation stops silently at the cap.
const customHeaderBudget = 4 * 1024

// BuildOptions carries everything BuildMetadata needs to assemble a
// record. Previous, when set, is the record being overwritten (used to
// carry sharks through metadata-only updates).
type BuildOptions struct {
	Key           string
	Type          types.EntryType
	Owner         string
	Caller        *types.Caller
	ObjectID      string
	ContentLength int64
	ContentMD5    string
	ContentType   string
	Sharks        []types.Shark
	Previous      *types.ObjectMetadata

	// RoleNames are explicitly supplied role names (URL or header). nil
	// inherits the caller's active role set; non-nil is resolved and
	// unknown names are rejected.
	RoleNames []string

	// Headers is the inbound request header set, mined for the
	// whitelist, content disposition, and m-* custom headers.
	Headers http.Header
}

// BuildMetadata assembles the record stored in the index for a PUT,
// MKDIR, or link creation.
func (e *Envelope) BuildMetadata(ctx context.Context, opts BuildOptions) (*types.ObjectMetadata, error) {
	md := &types.ObjectMetadata{
		Key:           opts.Key,
		Owner:         opts.Owner,
		Type:          opts.Type,
		ObjectID:      opts.ObjectID,
		ContentLength: opts.ContentLength,
		ContentMD5:    opts.ContentMD5,
		ContentType:   opts.ContentType,
		Mtime:         time.Now().UnixMilli(),
	}
	if opts.Caller != nil {
		md.Creator = opts.Caller.Account
	}

	switch opts.Type {
	case types.TypeObject:
		// Sharks are the nodes just written; a zero-byte object has
		// none, and a metadata-only update carries the previous set.
		md.Sharks = opts.Sharks
		if md.Sharks == nil && opts.Previous.Exists() {
			md.Sharks = opts.Previous.Sharks
		}
		if opts.Previous == nil || !opts.Previous.Exists() {
			// A brand-new object has exactly one path to it until a
			// snaplink says otherwise.
			md.SinglePath = true
		} else {
			md.SinglePath = opts.Previous.SinglePath
		}
	case types.TypeDirectory:
		md.ContentType = "application/x-json-stream; type=directory"
		md.ContentLength = 0
	}

	headers, disposition, err := collectHeaders(opts.Headers)
	if err != nil {
		return nil, err
	}
	md.Headers = headers
	md.ContentDisposition = disposition

	roles, err := e.buildRoles(ctx, opts)
	if err != nil {
		return nil, err
	}
	md.Roles = roles

	return md, nil
}

func (e *Envelope) buildRoles(ctx context.Context, opts BuildOptions) ([]string, error) {
	if opts.RoleNames != nil {
		account := opts.Owner
		if opts.Caller != nil {
			account = opts.Caller.Account
		}
		return e.ResolveRoles(ctx, account, opts.RoleNames)
	}
	if opts.Caller != nil {
		return opts.Caller.Roles, nil
	}
	return nil, nil
}

// collectHeaders extracts the whitelisted headers and the size-capped
// m-* custom headers, and validates Content-Disposition by a
// parse-and-format round trip.
func collectHeaders(h http.Header) (map[string]string, string, error) {
	if h == nil {
		return nil, "", nil
	}

	out := make(map[string]string)
	for _, name := range headerWhitelist {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}

	var custom []string
	for name, values := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "m-") && len(values) > 0 {
			custom = append(custom, lower)
		}
	}
	sort.Strings(custom)

	budget := customHeaderBudget
	for _, name := range custom {
		v := h.Get(name)
		cost := len(name) + len(v)
		if cost > budget {
			// Budget exhausted: the remainder is silently dropped.
			break
		}
		budget -= cost
		out[name] = v
	}

	disposition := h.Get("Content-Disposition")
	if disposition != "" {
		mediatype, params, err := mime.ParseMediaType(disposition)
		if err != nil {
			return nil, "", errors.NewBadRequest("invalid content-disposition %q", disposition).WithCause(err)
		}
		// Re-format so the stored value is canonical.
		disposition = mime.FormatMediaType(mediatype, params)
		if disposition == "" {
			return nil, "", errors.NewBadRequest("content-disposition %q cannot be represented", mediatype)
		}
	}

	if len(out) == 0 {
		out = nil
	}
	return out, disposition, nil
}
