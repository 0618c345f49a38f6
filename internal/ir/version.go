package ir

// Version constants for the payload schema and the library.
const (
	// SchemaVersion is the notification payload schema version.
	SchemaVersion = "1"

	// Version is the groupcast library version.
	Version = "0.1.0"
)
