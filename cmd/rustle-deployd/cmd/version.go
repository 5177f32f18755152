package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Populated via -ldflags at release build time.
var (
	version   = "dev"
	gitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rustle-deployd %s (commit %s, %s, %s/%s)\n",
			version, gitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
