package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X ruleflow/cmd/cli.Version=...".
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// buildInfo describes the running binary. It is logged at startup and
// reported by /health.
type buildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

// currentBuild fills commit and time from the embedded VCS stamp when the
// binary was built without ldflags.
func currentBuild() buildInfo {
	b := buildInfo{Version: Version, Commit: Commit, BuildTime: BuildTime, GoVersion: runtime.Version()}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if b.Commit == "" {
					b.Commit = s.Value
				}
			case "vcs.time":
				if b.BuildTime == "" {
					b.BuildTime = s.Value
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	if b.BuildTime == "" {
		b.BuildTime = "unknown"
	}
	return b
}

func (b buildInfo) fields() map[string]interface{} {
	return map[string]interface{}{
		"version":    b.Version,
		"commit":     b.Commit,
		"build_time": b.BuildTime,
		"go_version": b.GoVersion,
	}
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		b := currentBuild()
		out := cmd.OutOrStdout()
		if versionJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		}
		commit := b.Commit
		if b.Modified {
			commit += " (modified)"
		}
		_, err := fmt.Fprintf(out, "ruleflow %s\ncommit:  %s\nbuilt:   %s\ngo:      %s\n", b.Version, commit, b.BuildTime, b.GoVersion)
		return err
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(versionCmd)
}
