package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/roach88/tessel/internal/ir"
)

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Client   string `json:"client"`
	Wire     string `json:"wire"`
	Go       string `json:"go"`
	Revision string `json:"revision,omitempty"`
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and wire format versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersion()
			f := rootOpts.formatter(cmd)
			if f.JSON() {
				return f.Success(info)
			}
			fmt.Fprintf(f.Writer, "tessel %s (wire v%s, %s)\n", info.Client, info.Wire, info.Go)
			if info.Revision != "" {
				fmt.Fprintf(f.Writer, "revision %s\n", info.Revision)
			}
			return nil
		},
	}
}

func currentVersion() VersionInfo {
	info := VersionInfo{Client: ir.ClientVersion, Wire: ir.WireVersion, Go: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				info.Revision = s.Value
			}
		}
	}
	return info
}
