package ir

// Version constants for exported documents and the runtime.
const (
	// FormatVersion is the version of the snapshot and event log documents.
	FormatVersion = "1"

	// RuntimeVersion is the agentsim runtime version.
	RuntimeVersion = "0.1.0"
)
