package logger

// Standard field keys for structured logging. Use these consistently so
// request records can be correlated across the admission, metadata, and
// data-plane layers.
const (
	// Request identity
	KeyRequestID = "request_id" // UUID assigned at ingress
	KeyOperation = "operation"  // putobject, getobject, mkdir, delete, list, ...
	KeyMethod    = "method"     // HTTP method
	KeyPath      = "path"       // normalized key
	KeyAccount   = "account"    // owning account
	KeyCaller    = "caller"     // authenticated caller account
	KeyRemoteIP  = "remote_ip"  // client address
	KeyStatus    = "status"     // HTTP status code

	// Data plane
	KeyObjectID   = "object_id"   // backend object name
	KeyShark      = "shark"       // storage node id
	KeyDatacenter = "datacenter"  // storage node datacenter
	KeyCopies     = "copies"      // requested durability
	KeySize       = "size"        // declared or computed byte count
	KeyBytesIn    = "bytes_in"    // bytes streamed from the client
	KeyBytesOut   = "bytes_out"   // bytes streamed to the client
	KeyMD5        = "md5"         // computed content MD5
	KeyTuple      = "tuple"       // placement tuple index in use

	// Timing
	KeyDurationMS = "duration_ms" // total handling time
	KeyTTFBMS     = "ttfb_ms"     // time to first byte

	// Failures
	KeyError = "error"
)
