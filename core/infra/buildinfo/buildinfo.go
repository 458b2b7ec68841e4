package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/cordum/addonhub/core/infra/logging"
)

// Set at link time with -ldflags "-X ...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary. An unset commit falls back to the
// VCS revision the toolchain embedded, when there is one.
func Info() string {
	commit := Commit
	if commit == "unknown" {
		if rev := vcsRevision(); rev != "" {
			commit = rev
		}
	}
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, commit, Date)
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "starting", "build", Info())
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && setting.Value != "" {
			if len(setting.Value) > 12 {
				return setting.Value[:12]
			}
			return setting.Value
		}
	}
	return ""
}
