package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/KR7-gen/ai-vent-app/internal/ui"
	"github.com/KR7-gen/ai-vent-app/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(ui.Output, "aivent %s (%s, %s/%s)\n", version.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
