// Package version reports the build of the fc-maintenance binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "dev"

// Version is set at link time with
// -ldflags "-X github.com/helsinki-systems/fc-nixos/pkg/version.Version=<value>".
// Without it the module version or the VCS revision is used.
var Version = devVersion

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = resolve(Version)
}

// String renders the version line printed by the version command.
func String() string {
	return fmt.Sprintf("fc-maintenance %s (%s %s/%s)", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func resolve(current string) string {
	if current != "" && current != devVersion {
		return current
	}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return devVersion
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := revision(info.Settings); v != "" {
		return devVersion + "+" + v
	}
	return devVersion
}

// revision returns the short VCS revision, marked when the tree was dirty.
func revision(settings []debug.BuildSetting) string {
	var rev string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = strings.TrimSpace(s.Value)
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += ".dirty"
	}
	return rev
}
