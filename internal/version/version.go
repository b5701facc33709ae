// Package version exposes the build version reported over the control channel.
package version

// Version is overridable at link time:
//
//	go build -ldflags "-X github.com/shortlinker/shortlinker/internal/version.Version=1.2.3"
var Version = "0.1.0"
