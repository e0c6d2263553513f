// Package version holds the daybook release version.
package version

// Version is stamped via ldflags at release build time; "dev" otherwise.
var Version = "dev"
