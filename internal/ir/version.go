package ir

// Version constants for the wire format and the client.
const (
	// WireVersion is the version of the modify/query/result binary formats.
	WireVersion = "1"

	// ClientVersion is the tessel client version.
	ClientVersion = "0.3.0"
)
