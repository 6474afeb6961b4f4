package version

var (
	// set with -ldflags "-X github.com/AvaProtocol/ap-bundler/version.semver=..." at release
	semver   = "0.1.0"
	revision = "unknown"
)

// Get return the version of the bundler binary
func Get() string {
	return semver
}

func Commit() string {
	return revision
}
