// Package version reports the build identity of the xmldb binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/xmldb"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set with -ldflags "-X pkt.systems/xmldb/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Info is the build identity.
type Info struct {
	Module    string `json:"module" yaml:"module"`
	Version   string `json:"version" yaml:"version"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	Time      string `json:"time,omitempty" yaml:"time,omitempty"`
	Dirty     bool   `json:"dirty,omitempty" yaml:"dirty,omitempty"`
	GoVersion string `json:"go" yaml:"go"`
}

// Read collects the build identity from the linker flag and embedded build
// info.
func Read() Info {
	info := Info{Module: defaultModule, Version: unknownVersion}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				info.Time = s.Value
			case "vcs.modified":
				info.Dirty = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = buildVersion
	case ok && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		info.Version = bi.Main.Version
	default:
		if v := pseudo(info); v != "" {
			info.Version = v
		}
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

// Semver strips pseudo-version and build suffixes, leaving vMAJOR.MINOR.PATCH.
func Semver() string {
	v := Current()
	if i := strings.IndexAny(v, "-+"); i > 0 {
		v = v[:i]
	}
	return v
}

// pseudo builds a Go-style pseudo-version from VCS stamps.
func pseudo(info Info) string {
	if info.Revision == "" || info.Time == "" {
		return ""
	}
	ts, err := time.Parse(time.RFC3339, info.Time)
	if err != nil {
		return ""
	}
	rev := info.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + ts.UTC().Format("20060102150405") + "-" + rev
	if info.Dirty {
		v += "+dirty"
	}
	return v
}
