// Package buildinfo holds values injected at link time, for example:
//
//	go build -ldflags "-X github.com/pgillich/bews-doubler/internal/buildinfo.Version=v0.1.0"
package buildinfo

// Version is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var Version string

// BuildTime is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var BuildTime string

// AppName is set by the linker.
//
//nolint:gochecknoglobals // set by the linker
var AppName string
