// Package compiler turns a generated source project into a deployment
// binary. It consults the compilation cache first, invokes the primary
// toolchain in a scratch directory, falls back to the secondary toolchain
// when the primary fails, and installs the result back into the cache.
// Scratch directories are removed on every exit path.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/iepathos/rustle-deploy/pkg/compilecache"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
	"github.com/iepathos/rustle-deploy/pkg/templategen"
)

// DefaultCompilationTimeout bounds one toolchain invocation.
const DefaultCompilationTimeout = 5 * time.Minute

// TargetSpec is what the caller wants out of a compilation.
type TargetSpec struct {
	Triple            string
	OptimizationLevel string
	StripDebug        bool
	LTO               bool
}

// BinaryArtifact describes a produced (or cache-served) binary.
type BinaryArtifact struct {
	ID                  string        `json:"artifact_id"`
	BinaryPath          string        `json:"binary_path"`
	TargetTriple        string        `json:"target_triple"`
	Size                int64         `json:"size"`
	Checksum            string        `json:"checksum"`
	CompilationDuration time.Duration `json:"compilation_duration"`
	CacheHit            bool          `json:"cache_hit"`
}

// Options configures a Compiler.
type Options struct {
	Cache *compilecache.Cache

	// OutputDir receives produced binaries; artefact paths stay valid
	// after the scratch directory is gone even when the cache store
	// fails. Defaults to a directory under the system temp root.
	OutputDir string

	// BinarySizeLimit fails compilations whose output exceeds it.
	// Zero means unlimited.
	BinarySizeLimit int64

	CompilationTimeout time.Duration

	// MaxParallelCompilations gates concurrent toolchain invocations.
	MaxParallelCompilations int64

	// PrimaryCommand and FallbackCommand are the toolchain invocations,
	// command followed by leading arguments; compilation flags from the
	// template are appended. Defaults: cargo build / cargo zigbuild.
	PrimaryCommand  []string
	FallbackCommand []string
}

// Compiler drives toolchain invocations under a concurrency gate.
type Compiler struct {
	opts Options
	sem  *semaphore.Weighted
	log  *rdlog.Logger
}

// New builds a Compiler, applying defaults for unset options.
func New(opts Options) (*Compiler, error) {
	if opts.Cache == nil {
		return nil, errors.New("compiler: cache is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(os.TempDir(), "rustle-deploy-binaries")
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("compiler: creating output dir: %w", err)
	}
	if opts.CompilationTimeout <= 0 {
		opts.CompilationTimeout = DefaultCompilationTimeout
	}
	if opts.MaxParallelCompilations <= 0 {
		opts.MaxParallelCompilations = 4
	}
	if len(opts.PrimaryCommand) == 0 {
		opts.PrimaryCommand = []string{"cargo", "build"}
	}
	if len(opts.FallbackCommand) == 0 {
		opts.FallbackCommand = []string{"cargo", "zigbuild"}
	}
	return &Compiler{
		opts: opts,
		sem:  semaphore.NewWeighted(opts.MaxParallelCompilations),
		log:  rdlog.Get().With("component", "compiler"),
	}, nil
}

// Compile produces the artefact for tpl. Cache hits skip the toolchain
// entirely.
func (c *Compiler) Compile(ctx context.Context, tpl *templategen.GeneratedTemplate, spec TargetSpec) (*BinaryArtifact, error) {
	start := time.Now()

	if path, ok := c.opts.Cache.Get(tpl.CacheKey); ok {
		meta, _ := c.opts.Cache.GetMeta(tpl.CacheKey)
		c.log.Success("compilation cache hit", "key", tpl.CacheKey[:12], "group", tpl.ID)
		return &BinaryArtifact{
			ID:                  "artifact-" + uuid.New().String(),
			BinaryPath:          path,
			TargetTriple:        spec.Triple,
			Size:                meta.Size,
			Checksum:            meta.Checksum,
			CompilationDuration: time.Since(start),
			CacheHit:            true,
		}, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	scratch, err := os.MkdirTemp("", "rustle-compile-")
	if err != nil {
		return nil, fmt.Errorf("compiler: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := materialize(scratch, tpl); err != nil {
		return nil, err
	}

	primaryErr := c.invoke(ctx, scratch, c.opts.PrimaryCommand, tpl.CompilationFlags)
	if primaryErr != nil {
		var ce *rderrors.CompilationError
		if errors.As(primaryErr, &ce) && ce.Kind == rderrors.CompilationErrTimeout {
			return nil, primaryErr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warnw("primary toolchain failed, trying fallback",
			"group", tpl.ID, "error", primaryErr)
		if fallbackErr := c.invoke(ctx, scratch, c.opts.FallbackCommand, tpl.CompilationFlags); fallbackErr != nil {
			if errors.As(fallbackErr, &ce) && ce.Kind == rderrors.CompilationErrTimeout {
				return nil, fallbackErr
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &rderrors.CompilationError{
				Kind:     rderrors.CompilationErrPrimaryAndFallbackFailed,
				Primary:  primaryErr,
				Fallback: fallbackErr,
			}
		}
	}

	produced, err := locateBinary(scratch, tpl, spec)
	if err != nil {
		return nil, err
	}

	if spec.StripDebug {
		if out, err := exec.CommandContext(ctx, "strip", produced).CombinedOutput(); err != nil {
			c.log.Warnw("strip failed, keeping unstripped binary",
				"binary", produced, "output", string(bytes.TrimSpace(out)), "error", err)
		}
	}

	checksum, err := compilecache.FileChecksum(produced)
	if err != nil {
		return nil, fmt.Errorf("compiler: checksumming %q: %w", produced, err)
	}
	info, err := os.Stat(produced)
	if err != nil {
		return nil, fmt.Errorf("compiler: stat %q: %w", produced, err)
	}
	if c.opts.BinarySizeLimit > 0 && info.Size() > c.opts.BinarySizeLimit {
		return nil, &rderrors.CompilationError{
			Kind:   rderrors.CompilationErrSizeLimitExceeded,
			Limit:  c.opts.BinarySizeLimit,
			Actual: info.Size(),
		}
	}

	// The scratch directory is about to go away; move the binary
	// somewhere durable before anything else can fail.
	out := filepath.Join(c.opts.OutputDir, tpl.CacheKey[:16]+"-"+tpl.BinaryName)
	if err := copyFile(produced, out, 0755); err != nil {
		return nil, fmt.Errorf("compiler: installing binary: %w", err)
	}

	if err := c.opts.Cache.Put(tpl.CacheKey, out, checksum, spec.Triple); err != nil {
		// A cache write failure degrades future runs to a miss, nothing
		// more.
		c.log.Warnw("cache store failed", "key", tpl.CacheKey[:12], "error", err)
	}

	c.log.Success("compilation complete",
		"group", tpl.ID, "binary", out, "size", info.Size(),
		"duration", time.Since(start).Round(time.Millisecond))

	return &BinaryArtifact{
		ID:                  "artifact-" + uuid.New().String(),
		BinaryPath:          out,
		TargetTriple:        spec.Triple,
		Size:                info.Size(),
		Checksum:            checksum,
		CompilationDuration: time.Since(start),
		CacheHit:            false,
	}, nil
}

// invoke runs one toolchain command in dir under the per-compilation
// timeout.
func (c *Compiler) invoke(ctx context.Context, dir string, command []string, flags []string) error {
	runCtx, cancel := context.WithTimeout(ctx, c.opts.CompilationTimeout)
	defer cancel()

	args := append(append([]string{}, command[1:]...), flags...)
	cmd := exec.CommandContext(runCtx, command[0], args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return &rderrors.CompilationError{Kind: rderrors.CompilationErrTimeout}
	}
	return fmt.Errorf("%s: %w: %s", command[0], err, bytes.TrimSpace(stderr.Bytes()))
}

// locateBinary finds the toolchain's output, checking the target-specific
// profile directory first and the native profile directory second.
func locateBinary(scratch string, tpl *templategen.GeneratedTemplate, spec TargetSpec) (string, error) {
	profile := "release"
	if spec.OptimizationLevel == "debug" {
		profile = "debug"
	}

	candidates := []string{
		filepath.Join(scratch, "target", spec.Triple, profile, tpl.BinaryName),
		filepath.Join(scratch, "target", profile, tpl.BinaryName),
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", &rderrors.CompilationError{Kind: rderrors.CompilationErrBinaryNotProduced}
}

func materialize(root string, tpl *templategen.GeneratedTemplate) error {
	for rel, content := range tpl.Files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("compiler: materialising %q: %w", rel, err)
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			return fmt.Errorf("compiler: materialising %q: %w", rel, err)
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}
