package version

// will be replaced with the release version when using goreleaser
var version = "development"

// AgentVersion returns the update agent version
func AgentVersion() string {
	return version
}
