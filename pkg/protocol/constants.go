package protocol

// Directory and source constants used throughout fixloop.
const (
	// StateDir is the user-level state directory (e.g., ~/.fixloop).
	StateDir = ".fixloop"

	// DefaultErrorSource is the linked-error source whose fixes gate closing.
	DefaultErrorSource = "sentry"

	// CancelledByUser is the outcome recorded when a user cancels a spawn.
	CancelledByUser = "Cancelled by user"
)
