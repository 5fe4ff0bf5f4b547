// Package version resolves the version string reported by the schemarun
// binary and sent in the User-Agent header of every API request.
package version

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
)

var (
	once   sync.Once
	cached string
)

// String returns the best-effort semantic version for the schemarun binary.
// The lookup order is:
//  1. Explicit SCHEMARUN_VERSION environment variable (useful for custom builds)
//  2. Go build information when available (e.g. go install schemarun@vX)
//  3. A development fallback string
func String() string {
	once.Do(func() {
		cached = detect()
	})
	return cached
}

func detect() string {
	if v := strings.TrimSpace(os.Getenv("SCHEMARUN_VERSION")); v != "" {
		return v
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}

		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				rev := setting.Value
				if len(rev) > 12 {
					rev = rev[:12]
				}
				return fmt.Sprintf("dev-%s", rev)
			}
		}
	}

	return "development"
}

// UserAgent returns the stable User-Agent value for outbound API requests.
func UserAgent() string {
	return "schemarun/" + String()
}
