// Package errors provides the public error taxonomy for the shoal webapi.
// This is a leaf package with no internal dependencies, designed to be
// imported by every layer (metadata envelope, data plane, HTTP surface)
// without causing circular imports.
//
// Every error that can reach a client is an *APIError carrying a stable
// code string and an HTTP status. Internal failures are wrapped before
// they cross the HTTP boundary so clients never see backend detail.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is the stable, client-visible error code string.
type Code string

const (
	CodeInvalidPath            Code = "InvalidPath"
	CodeInvalidLimit           Code = "InvalidLimit"
	CodeInvalidParameter       Code = "InvalidParameter"
	CodeInvalidRoleTag         Code = "InvalidRoleTag"
	CodeInvalidDurabilityLevel Code = "InvalidDurabilityLevel"
	CodeInvalidLink            Code = "InvalidLink"
	CodeBadRequest             Code = "BadRequest"
	CodeUnauthorized           Code = "Unauthorized"
	CodeForbidden              Code = "Forbidden"
	CodeNoMatchingRoleTag      Code = "NoMatchingRoleTag"
	CodeAuthorization          Code = "AuthorizationError"
	CodeResourceNotFound       Code = "ResourceNotFound"
	CodeLinkNotFound           Code = "LinkNotFound"
	CodeMethodNotAllowed       Code = "MethodNotAllowed"
	CodeNotAcceptable          Code = "NotAcceptable"
	CodePreconditionFailed     Code = "PreconditionFailed"
	CodeConcurrentRequest      Code = "ConcurrentRequestError"
	CodeDirectoryNotEmpty      Code = "DirectoryNotEmpty"
	CodeDirectoryOperation     Code = "DirectoryOperation"
	CodeParentNotDirectory     Code = "ParentNotDirectory"
	CodeDirectoryDoesNotExist  Code = "DirectoryDoesNotExist"
	CodeDirectoryLimit         Code = "DirectoryLimitExceeded"
	CodeRootDirectory          Code = "OperationNotAllowedOnRootDirectory"
	CodeLinkNotObject          Code = "LinkNotObject"
	CodeChecksum               Code = "ContentMD5Mismatch"
	CodeMaxContentLength       Code = "MaxContentLengthExceeded"
	CodeMaxSizeExceeded        Code = "MaxSizeExceeded"
	CodeRangeNotSatisfiable    Code = "RequestedRangeNotSatisfiable"
	CodeThrottled              Code = "ThrottledError"
	CodeServiceUnavailable     Code = "ServiceUnavailable"
	CodeNotEnoughSpace         Code = "NotEnoughSpace"
	CodeSharksExhausted        Code = "SharksExhausted"
	CodeUploadTimeout          Code = "UploadTimeout"
	CodeUploadAbandoned        Code = "UploadAbandoned"
	CodeInternal               Code = "InternalError"
	CodeNotImplemented         Code = "NotImplementedError"
	CodeSnaplinksDisabled      Code = "SnaplinksDisabled"
	CodeRequestExpired         Code = "RequestExpired"
	CodeEntityExists           Code = "EntityAlreadyExists"
)

// StatusCorruptedBody is the non-standard status used when a GET stream
// turns out not to match the stored MD5 after headers were committed.
const StatusCorruptedBody = 469

// StatusClientClosed is the nginx-style status recorded when the client
// goes away mid-stream.
const StatusClientClosed = 499

// APIError is the error type that crosses the HTTP boundary.
//
// Code and StatusCode are stable; Message is human-readable and may carry
// request-specific detail (a path, a limit value) but never backend
// internals. The wrapped cause, if any, is for logs only.
type APIError struct {
	Code       Code
	StatusCode int
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the internal cause to errors.Is/errors.As.
func (e *APIError) Unwrap() error {
	return e.cause
}

// Is matches two APIErrors by code, so callers can compare against a
// factory-produced template without caring about the message.
func (e *APIError) Is(target error) bool {
	var other *APIError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithCause returns a copy of e carrying err as its internal cause.
func (e *APIError) WithCause(err error) *APIError {
	dup := *e
	dup.cause = err
	return &dup
}

func newError(code Code, status int, format string, args ...any) *APIError {
	return &APIError{
		Code:       code,
		StatusCode: status,
		Message:    fmt.Sprintf(format, args...),
	}
}

// ============================================================================
// Input validation (400)
// ============================================================================

func NewInvalidPath(path string) *APIError {
	return newError(CodeInvalidPath, http.StatusBadRequest, "%q is not a valid path", path)
}

func NewInvalidLimit(limit string) *APIError {
	return newError(CodeInvalidLimit, http.StatusBadRequest, "limit=%s is invalid: must be [1, 1024]", limit)
}

func NewInvalidParameter(name, value string) *APIError {
	return newError(CodeInvalidParameter, http.StatusBadRequest, "parameter %q: invalid value %q", name, value)
}

func NewInvalidRoleTag(role string) *APIError {
	return newError(CodeInvalidRoleTag, http.StatusBadRequest, "role tag %q is invalid", role)
}

func NewInvalidDurabilityLevel(min, max int) *APIError {
	return newError(CodeInvalidDurabilityLevel, http.StatusBadRequest,
		"durability-level must be between %d and %d", min, max)
}

func NewInvalidLink(path string) *APIError {
	return newError(CodeInvalidLink, http.StatusBadRequest, "%s is an invalid link", path)
}

func NewBadRequest(format string, args ...any) *APIError {
	return newError(CodeBadRequest, http.StatusBadRequest, format, args...)
}

// ============================================================================
// Access control (401/403)
// ============================================================================

func NewUnauthorized() *APIError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, "authentication required")
}

func NewForbidden(account string) *APIError {
	return newError(CodeForbidden, http.StatusForbidden, "%s is not allowed to access this resource", account)
}

func NewNoMatchingRoleTag() *APIError {
	return newError(CodeNoMatchingRoleTag, http.StatusForbidden,
		"None of your active roles are present on the resource")
}

func NewAuthorization(account string) *APIError {
	return newError(CodeAuthorization, http.StatusForbidden, "%s is not authorized to perform this action", account)
}

// ============================================================================
// Resource resolution (404/405/406)
// ============================================================================

func NewResourceNotFound(path string) *APIError {
	return newError(CodeResourceNotFound, http.StatusNotFound, "%s was not found", path)
}

func NewLinkNotFound(path string) *APIError {
	return newError(CodeLinkNotFound, http.StatusNotFound, "%s was not found", path)
}

func NewMethodNotAllowed(method string) *APIError {
	return newError(CodeMethodNotAllowed, http.StatusMethodNotAllowed, "method %s is not allowed", method)
}

func NewNotAcceptable(accept string) *APIError {
	return newError(CodeNotAcceptable, http.StatusNotAcceptable, "accept %q is not servable", accept)
}

// ============================================================================
// Conditional writes (412)
// ============================================================================

func NewPreconditionFailed(header, value string) *APIError {
	return newError(CodePreconditionFailed, http.StatusPreconditionFailed,
		"%s %q didn't match", header, value)
}

func NewConcurrentRequest(path string) *APIError {
	return newError(CodeConcurrentRequest, http.StatusConflict,
		"%s was being concurrently updated; try again", path)
}

// ============================================================================
// Namespace rules (400/409)
// ============================================================================

func NewDirectoryNotEmpty(path string) *APIError {
	return newError(CodeDirectoryNotEmpty, http.StatusBadRequest, "%s is not empty", path)
}

func NewDirectoryOperation(path string) *APIError {
	return newError(CodeDirectoryOperation, http.StatusBadRequest, "%s is a directory", path)
}

func NewParentNotDirectory(parent string) *APIError {
	return newError(CodeParentNotDirectory, http.StatusBadRequest, "%s is not a directory", parent)
}

func NewDirectoryDoesNotExist(parent string) *APIError {
	return newError(CodeDirectoryDoesNotExist, http.StatusNotFound, "%s does not exist", parent)
}

func NewDirectoryLimit(parent string, limit int64) *APIError {
	return newError(CodeDirectoryLimit, http.StatusConflict,
		"%s has too many entries (limit %d)", parent, limit)
}

func NewRootDirectory(method, path string) *APIError {
	return newError(CodeRootDirectory, http.StatusBadRequest,
		"%s is not allowed on the root directory %s", method, path)
}

func NewLinkNotObject(path string) *APIError {
	return newError(CodeLinkNotObject, http.StatusBadRequest, "%s is not an object", path)
}

func NewSnaplinksDisabled(account string) *APIError {
	return newError(CodeSnaplinksDisabled, http.StatusForbidden,
		"snaplinks are not allowed for account %s", account)
}

// ============================================================================
// Data plane (400/413/416/469/499/500/503/507)
// ============================================================================

func NewChecksum(expected, actual string) *APIError {
	return newError(CodeChecksum, http.StatusBadRequest,
		"Content-MD5 %q didn't match the computed MD5 %q", expected, actual)
}

func NewMaxContentLength(length int64) *APIError {
	return newError(CodeMaxContentLength, http.StatusBadRequest,
		"content-length %d is invalid", length)
}

func NewMaxSizeExceeded(max int64) *APIError {
	return newError(CodeMaxSizeExceeded, http.StatusRequestEntityTooLarge,
		"request exceeds the maximum allowed size of %d bytes", max)
}

func NewRangeNotSatisfiable(rng string) *APIError {
	return newError(CodeRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable,
		"range %q cannot be satisfied", rng)
}

// NewThrottled reports admission rejection. The queue/inflight detail goes
// to the audit log via the message returned by Detail(); clients see only
// the generic message.
func NewThrottled(queued, inFlight, concurrency int) *APIError {
	e := newError(CodeThrottled, http.StatusServiceUnavailable, "the service is not available right now")
	e.cause = fmt.Errorf("throttled: queued=%d inflight=%d concurrency=%d", queued, inFlight, concurrency)
	return e
}

func NewServiceUnavailable() *APIError {
	return newError(CodeServiceUnavailable, http.StatusServiceUnavailable,
		"the service is currently unavailable")
}

func NewNotEnoughSpace(cause string) *APIError {
	return newError(CodeNotEnoughSpace, http.StatusInsufficientStorage, "%s", cause)
}

func NewSharksExhausted() *APIError {
	return newError(CodeSharksExhausted, http.StatusInsufficientStorage,
		"no storage nodes were available to accept the write")
}

func NewUploadTimeout(idle string) *APIError {
	return newError(CodeUploadTimeout, StatusClientClosed,
		"no bytes received for %s; upload aborted", idle)
}

func NewUploadAbandoned() *APIError {
	return newError(CodeUploadAbandoned, StatusClientClosed, "the upload was abandoned")
}

func NewInternal(err error) *APIError {
	e := newError(CodeInternal, http.StatusInternalServerError, "an unexpected error occurred")
	e.cause = err
	return e
}

func NewNotImplemented(feature string) *APIError {
	return newError(CodeNotImplemented, http.StatusNotImplemented, "%s is not implemented", feature)
}

func NewRequestExpired(age, max int64) *APIError {
	return newError(CodeRequestExpired, http.StatusBadRequest,
		"request is %ds old (max %ds)", age, max)
}

// ============================================================================
// Helpers
// ============================================================================

// Translate coerces any error to an *APIError suitable for rendering. An
// unrecognized error becomes an InternalError wrapping the original.
func Translate(err error) *APIError {
	if err == nil {
		return nil
	}
	var api *APIError
	if errors.As(err, &api) {
		return api
	}
	return NewInternal(err)
}

// IsCode reports whether err is an *APIError with the given code.
func IsCode(err error, code Code) bool {
	var api *APIError
	return errors.As(err, &api) && api.Code == code
}
