// Package version holds build metadata set via ldflags.
package version

// Software is the name recorded in provenance.
const Software = "cellmaps-embedding"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns the version with its commit.
func String() string {
	if GitSHA == "unknown" || GitSHA == "" {
		return Version
	}
	sha := GitSHA
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return Version + "+" + sha
}
