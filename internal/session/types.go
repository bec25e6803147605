package session

// Meta is the authoritative permission metadata for one operator session.
//
// Engines must NOT trust permissions claimed by the client; the cap is applied
// on every RPC handler. A session that cannot execute never answers command
// asks, and a session that cannot write never answers file asks.
type Meta struct {
	EndpointID string `json:"endpoint_id"`

	CanRead    bool `json:"can_read"`
	CanWrite   bool `json:"can_write"`
	CanExecute bool `json:"can_execute"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
}
