package types

// Caller is the resolved identity a request acts as. Authentication and
// role activation happen outside the core; handlers receive the result.
type Caller struct {
	// Account is the authenticated account id.
	Account string

	// Roles are the role ids active for this request.
	Roles []string

	// Operator marks privileged callers; they place against the
	// operator utilization ceiling and may use operator-only listing
	// options.
	Operator bool
}
