// Package version records the build version.
package version

// Version is set at build time with -ldflags "-X ...".
var Version = "dev"
