package ir

// Version constants for the persisted schema and the binary.
const (
	// SchemaVersion is the user_version the store migrates to.
	SchemaVersion = 1

	// EngineVersion is the ridekey release version.
	EngineVersion = "0.1.0"
)
