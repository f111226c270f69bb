package types

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/shoalstore/shoal/pkg/errors"
)

// The namespace is rooted at /:account. Each account owns a small fixed
// set of top-level directories; those root paths can never be deleted and
// can only be overwritten as directories.
var (
	rootRE    = regexp.MustCompile(`^/([a-zA-Z0-9_.-]+)(/(public|stor|reports|uploads))?$`)
	storageRE = regexp.MustCompile(`^/([a-zA-Z0-9_.-]+)/(public|stor|reports|uploads)(/.*)?$`)
)

// NormalizePath canonicalizes a raw request path: percent-decoding,
// collapsing repeated slashes, and stripping the trailing slash (except
// for "/"). The result always starts with "/".
func NormalizePath(raw string) (string, error) {
	if raw == "" || raw[0] != '/' {
		return "", errors.NewInvalidPath(raw)
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.NewInvalidPath(raw).WithCause(err)
	}

	// path.Clean collapses "//" and resolves "." and "..". A cleaned path
	// that escapes the root ("/..") is ill-formed.
	cleaned := path.Clean(decoded)
	if cleaned == "/.." || strings.HasPrefix(cleaned, "/../") {
		return "", errors.NewInvalidPath(raw)
	}
	if strings.ContainsRune(cleaned, '\x00') {
		return "", errors.NewInvalidPath(raw)
	}
	return cleaned, nil
}

// AccountOf extracts the account component of a normalized key.
func AccountOf(key string) string {
	trimmed := strings.TrimPrefix(key, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// IsRootPath reports whether key is one of the fixed per-account root
// directories (/:a, /:a/public, /:a/stor, /:a/reports, /:a/uploads).
func IsRootPath(key string) bool {
	return rootRE.MatchString(key)
}

// IsStoragePath reports whether key lies inside one of the storage
// subtrees (and so may hold objects).
func IsStoragePath(key string) bool {
	return storageRE.MatchString(key)
}

// ParentOf returns the dirname of key ("/" has no parent and maps to "/").
func ParentOf(key string) string {
	return path.Dir(key)
}

// BaseOf returns the final path component of key.
func BaseOf(key string) string {
	return path.Base(key)
}
