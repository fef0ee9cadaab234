package obs

import (
	"runtime/debug"
	"sync"
)

var (
	buildOnce sync.Once
	buildRev  string
)

// BuildRevision returns the VCS revision embedded at build time, if any.
func BuildRevision() string {
	buildOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				buildRev = setting.Value
				return
			}
		}
	})
	return buildRev
}
