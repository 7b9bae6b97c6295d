package cli

import (
	"fmt"
	goruntime "runtime"

	"github.com/spf13/cobra"
)

// NewVersionCmd prints build information. It needs no configuration.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Overrides the root hook: no config is loaded.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ic50bert %s\ncommit:  %s\nbuilt:   %s\ngo:      %s %s/%s\n",
				Version, GitCommit, BuildDate, goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
			return nil
		},
	}
}
