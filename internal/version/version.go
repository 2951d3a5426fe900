// Package version holds the build version, set with -ldflags.
package version

// Version is overridden at build time via
// -ldflags "-X github.com/LastBotInc/coralie-interview-session/internal/version.Version=...".
var Version = "dev"
