// Package version provides version information for the kimchi-oracle application.
package version

// Version is the current version of the kimchi-oracle application.
const Version = "0.3.0"

// AgentString returns the user agent sent to upstream venues.
// Format: kimchi-oracle/v{version}
func AgentString() string {
	return "kimchi-oracle/v" + Version
}
