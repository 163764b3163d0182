package consts

// ContextKey is a custom type for context keys to avoid collisions between packages.
type ContextKey string

const (
	// SessionIDKey carries the id of the session that issued a request, so
	// that collaborators called with the session's context can log it.
	SessionIDKey = ContextKey("session_id")

	// RemoteIPKey carries the client address of the session.
	RemoteIPKey = ContextKey("remote_ip")
)
