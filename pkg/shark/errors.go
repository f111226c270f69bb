package shark

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusChecksumRejected is the distinguished status a storage node
// returns when the uploaded bytes do not match the client-supplied MD5.
const StatusChecksumRejected = 469

// ErrConnectTimeout means the node did not prove it was processing the
// request within the connect timeout. Socket attachment alone is not
// proof: a keep-alive socket may be attached to a dead peer. The proof
// events are the 100-continue for PUT and the first response byte for
// GET/HEAD/POST.
var ErrConnectTimeout = errors.New("storage node connect timeout")

// BackendStatusError is any storage-node response with status >= 400.
// Body holds up to bodyCaptureLimit bytes for diagnostics.
type BackendStatusError struct {
	StorageID  string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

const bodyCaptureLimit = 1024

func (e *BackendStatusError) Error() string {
	return fmt.Sprintf("storage node %s returned %d: %s", e.StorageID, e.StatusCode, e.Body)
}

// IsChecksumMismatch reports whether err is a backend MD5 rejection.
func IsChecksumMismatch(err error) bool {
	var be *BackendStatusError
	return errors.As(err, &be) && be.StatusCode == StatusChecksumRejected
}

// IsConnectFailure reports whether err represents a failure to establish
// a live exchange with the node (and so is safe to retry against a
// different placement tuple).
func IsConnectFailure(err error) bool {
	return errors.Is(err, ErrConnectTimeout)
}
