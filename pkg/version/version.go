package version

import "fmt"

// Set by the linker with -X.
var (
	GitVersion = "unknown"
	GitCommit  = "unknown"
)

// String renders the build information for --version.
func String() string {
	return fmt.Sprintf("gitVersion=%s, gitCommit=%s", GitVersion, GitCommit)
}
