package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/iepathos/rustle-deploy/pkg/pipeline"
)

var (
	cacheDirFlag        string
	outputDirFlag       string
	defaultArchFlag     string
	sizeLimitFlag       int64
	compileTimeoutFlag  time.Duration
	pipelineTimeoutFlag time.Duration
	maxParallelFlag     int64
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Work with execution plans",
}

var planRunCmd = &cobra.Command{
	Use:   "run [plan-file]",
	Short: "Run the plan-to-binary pipeline over an execution plan",
	Long: `Reads an execution-plan JSON document from the given file (or stdin when
omitted), runs validation, binary-deployment analysis, template generation,
and compilation, and writes the resulting deployment plan as JSON to
stdout. Diagnostics go to stderr.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if len(args) == 1 {
			raw, err = os.ReadFile(args[0])
		} else {
			raw, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("reading execution plan: %w", err)
		}

		p, err := pipeline.New(pipeline.Options{
			CacheRoot:               cacheDirFlag,
			OutputDir:               outputDirFlag,
			DefaultArch:             defaultArchFlag,
			BinarySizeLimit:         sizeLimitFlag,
			CompilationTimeout:      compileTimeoutFlag,
			PipelineTimeout:         pipelineTimeoutFlag,
			MaxParallelCompilations: maxParallelFlag,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := p.Run(ctx, raw)
		if err != nil {
			return err
		}

		out := struct {
			Strategy string      `json:"recommended_strategy"`
			Plan     interface{} `json:"deployment_plan"`
		}{Strategy: string(result.Strategy), Plan: result.Plan}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/rustle-deploy"
	}
	return os.TempDir() + "/rustle-deploy-cache"
}

func init() {
	planRunCmd.Flags().StringVar(&cacheDirFlag, "cache-dir", defaultCacheDir(), "Compilation cache directory")
	planRunCmd.Flags().StringVar(&outputDirFlag, "output-dir", "", "Directory receiving produced binaries")
	planRunCmd.Flags().StringVar(&defaultArchFlag, "default-arch", "x86_64-unknown-linux-gnu", "Target triple assumed for all hosts at planning time")
	planRunCmd.Flags().Int64Var(&sizeLimitFlag, "binary-size-limit", 0, "Maximum binary size in bytes (0 = unlimited)")
	planRunCmd.Flags().DurationVar(&compileTimeoutFlag, "compile-timeout", 5*time.Minute, "Per-compilation timeout")
	planRunCmd.Flags().DurationVar(&pipelineTimeoutFlag, "timeout", 0, "Overall pipeline timeout (0 = none)")
	planRunCmd.Flags().Int64Var(&maxParallelFlag, "max-parallel-compilations", 4, "Concurrent toolchain invocations")

	planCmd.AddCommand(planRunCmd)
}
