package version

import "fmt"

var (
	// Version contains the current version of sockmon
	Version = "dev"

	// CommitHash contains the current git commit hash
	CommitHash = "unknown"

	// BuildTime contains the time of build
	BuildTime = "unknown"
)

// MinClientVersion is the oldest event stream client the API accepts.
const MinClientVersion = "1.0.0"

func String() string {
	return fmt.Sprintf("sockmon version %s (commit: %s, built at: %s)", Version, CommitHash, BuildTime)
}
