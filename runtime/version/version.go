// Package version carries build information for the agent binaries.
// Version variables can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/Conversly/livekit-check/runtime/version.version=1.0.0"
package version

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/Conversly/livekit-check/runtime/logger"
)

const (
	devVersion     = "dev"
	shortCommitLen = 7
	vcsRevisionKey = "vcs.revision"
	vcsModifiedKey = "vcs.modified"
)

// Build-time variables, set with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// Info is the build description reported by the CLI and the health endpoint.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"goVersion"`
}

// Get assembles Info from ldflags, falling back to module build info.
func Get() Info {
	info := Info{
		Version:   GetVersion(),
		Commit:    gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
	}
	if info.Commit == "" {
		settings := vcsSettings()
		if rev := settings[vcsRevisionKey]; rev != "" {
			info.Commit = rev[:min(shortCommitLen, len(rev))]
		}
		info.Dirty = settings[vcsModifiedKey] == "true"
	}
	return info
}

// GetVersion returns the current version string.
// Falls back to build info from go modules if version is "dev".
func GetVersion() string {
	if version != devVersion {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
	}
	return devVersion
}

func vcsSettings() map[string]string {
	out := map[string]string{}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		out[s.Key] = s.Value
	}
	return out
}

// String renders Info for `livekit-check version`.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "livekit-check version %s", i.Version)
	if i.Commit != "" {
		fmt.Fprintf(&b, "\ncommit: %s", i.Commit)
		if i.Dirty {
			b.WriteString(" (dirty)")
		}
	}
	if i.BuildDate != "" {
		fmt.Fprintf(&b, "\nbuilt: %s", i.BuildDate)
	}
	fmt.Fprintf(&b, "\ngo: %s", i.GoVersion)
	return b.String()
}

// Attrs returns Info as slog key/value pairs.
func (i Info) Attrs() []any {
	attrs := []any{"version", i.Version}
	if i.Commit != "" {
		attrs = append(attrs, "commit", i.Commit)
	}
	if i.Dirty {
		attrs = append(attrs, "dirty", true)
	}
	if i.BuildDate != "" {
		attrs = append(attrs, "built", i.BuildDate)
	}
	return attrs
}

// LogStartup logs build information for a starting component.
func LogStartup(ctx context.Context, component string) {
	attrs := append([]any{"component", component}, Get().Attrs()...)
	logger.InfoContext(ctx, "livekit-check starting", attrs...)
}
