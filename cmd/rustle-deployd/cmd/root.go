package cmd

import (
	"github.com/spf13/cobra"

	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

var verboseFlag bool

var rootCmd = &cobra.Command{
	Use:   "rustle-deployd",
	Short: "rustle-deployd compiles execution plans into deployment binaries.",
	Long: `rustle-deployd turns a pre-computed execution plan into per-architecture
deployment binaries where that pays off, and remote-shell fallbacks where
it does not. The resulting deployment plan is written as JSON for the
deployer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logOpts := rdlog.DefaultOptions()
		if verboseFlag {
			logOpts.ConsoleLevel = rdlog.DebugLevel
		}
		rdlog.Init(logOpts)
		return nil
	},
}

// Execute runs the root command; called once from main.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rdlog.Get().Errorw("command failed", "error", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}
