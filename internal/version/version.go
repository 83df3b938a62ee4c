package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
)

// String returns the version with its commit, as stamped into exported models.
func String() string {
	return Version + "+" + GitSHA
}
