// Package buildinfo contains build-time metadata kept apart from user
// configuration.
package buildinfo

import "runtime/debug"

// Context contains build-time metadata that is not user-configurable.
// It is injected at startup through -ldflags.
type Context struct {
	// Version holds the Git version tag from build
	Version string

	// BuildDate is the time when the binary was built
	BuildDate string
}

// GetVersion returns the version, falling back to the module version
// recorded by the Go toolchain and then to "dev".
func (c *Context) GetVersion() string {
	if c != nil && c.Version != "" {
		return c.Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

// GetBuildDate returns the build date or "unknown".
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return "unknown"
	}
	return c.BuildDate
}

// UserAgent returns the User-Agent sent to remote services.
func (c *Context) UserAgent() string {
	return "birdnet-pipeline/" + c.GetVersion()
}
