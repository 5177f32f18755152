// Package pipeline wires the full plan-to-binary flow together: parse,
// validate, analyse, then per-group generate/compile/cache fan-out, and
// finally deployment-plan assembly. Stage order is fixed; per-group work
// is unordered and bounded by the compiler's concurrency gate. One
// cancellation context threads through everything.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iepathos/rustle-deploy/pkg/analyzer"
	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/compilecache"
	"github.com/iepathos/rustle-deploy/pkg/compiler"
	"github.com/iepathos/rustle-deploy/pkg/embedder"
	"github.com/iepathos/rustle-deploy/pkg/modregistry"
	"github.com/iepathos/rustle-deploy/pkg/optimizer"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
	"github.com/iepathos/rustle-deploy/pkg/templategen"
	"github.com/iepathos/rustle-deploy/pkg/validator"
)

// BinaryCompiler is the compilation boundary; satisfied by
// compiler.Compiler and by stubs in tests.
type BinaryCompiler interface {
	Compile(ctx context.Context, tpl *templategen.GeneratedTemplate, spec compiler.TargetSpec) (*compiler.BinaryArtifact, error)
}

// Options configures a Pipeline.
type Options struct {
	// CacheRoot is the compilation-cache directory.
	CacheRoot string

	// DefaultArch is the architecture assumed for all hosts at planning
	// time.
	DefaultArch string

	OutputDir               string
	BinarySizeLimit         int64
	CompilationTimeout      time.Duration
	MaxParallelCompilations int64

	// PipelineTimeout bounds one whole Run invocation. Zero means the
	// caller's context is the only bound.
	PipelineTimeout time.Duration

	// Compiler overrides the default cargo-backed compiler.
	Compiler BinaryCompiler
}

// Result is a successful pipeline run.
type Result struct {
	Plan     *optimizer.DeploymentPlan
	Strategy planmodel.Strategy
}

// Pipeline owns the stage sequencing for one configuration.
type Pipeline struct {
	validator *validator.Validator
	analyzer  *analyzer.Analyzer
	generator *templategen.Generator
	optimizer *optimizer.Optimizer
	compiler  BinaryCompiler
	opts      Options
	log       *rdlog.Logger
}

// New builds a Pipeline, constructing the component chain and the
// cargo-backed compiler unless one is injected.
func New(opts Options) (*Pipeline, error) {
	if opts.DefaultArch == "" {
		opts.DefaultArch = "x86_64-unknown-linux-gnu"
	}

	v, err := validator.New()
	if err != nil {
		return nil, err
	}

	resolver := arch.New()
	a := analyzer.New(modregistry.New(), resolver, opts.DefaultArch)

	emb, err := embedder.New()
	if err != nil {
		return nil, err
	}

	comp := opts.Compiler
	if comp == nil {
		cache, err := compilecache.New(opts.CacheRoot)
		if err != nil {
			return nil, err
		}
		comp, err = compiler.New(compiler.Options{
			Cache:                   cache,
			OutputDir:               opts.OutputDir,
			BinarySizeLimit:         opts.BinarySizeLimit,
			CompilationTimeout:      opts.CompilationTimeout,
			MaxParallelCompilations: opts.MaxParallelCompilations,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Pipeline{
		validator: v,
		analyzer:  a,
		generator: templategen.New(resolver, emb),
		optimizer: optimizer.New(a),
		compiler:  comp,
		opts:      opts,
		log:       rdlog.Get().With("component", "pipeline"),
	}, nil
}

// Run executes the full pipeline over a raw execution-plan document.
func (p *Pipeline) Run(ctx context.Context, raw []byte) (*Result, error) {
	if p.opts.PipelineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PipelineTimeout)
		defer cancel()
	}

	var plan planmodel.ExecutionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, &rderrors.PipelineError{Kind: rderrors.PipelineErrParse, Reason: err.Error()}
	}

	return p.RunPlan(ctx, &plan)
}

// RunPlan executes the pipeline over an already-parsed plan.
func (p *Pipeline) RunPlan(ctx context.Context, plan *planmodel.ExecutionPlan) (*Result, error) {
	if err := p.validator.Validate(plan); err != nil {
		return nil, rderrors.Wrap(rderrors.PipelineErrValidation, err)
	}

	groups, err := p.analyseGroups(plan)
	if err != nil {
		return nil, rderrors.Wrap(rderrors.PipelineErrAnalysis, err)
	}

	results, err := p.buildGroups(ctx, plan, groups)
	if err != nil {
		return nil, err
	}

	deployment, strategy := p.optimizer.Assemble(plan, results)
	return &Result{Plan: deployment, Strategy: strategy}, nil
}

// analyseGroups runs binary-deployment analysis, honouring the
// force_binary/force_ssh planner flags.
func (p *Pipeline) analyseGroups(plan *planmodel.ExecutionPlan) ([]planmodel.BinaryDeploymentGroup, error) {
	opts := plan.Metadata.PlanningOptions
	if opts.ForceSsh {
		return nil, nil
	}

	threshold := opts.BinaryThreshold
	if opts.ForceBinary {
		threshold = 1
	}
	return p.analyzer.Analyze(plan.AllTasks(), plan.Hosts, threshold)
}

// buildGroups fans generate+compile out across groups. Per-group failures
// are recorded, never fatal; only cancellation aborts the fan-out.
func (p *Pipeline) buildGroups(ctx context.Context, plan *planmodel.ExecutionPlan, groups []planmodel.BinaryDeploymentGroup) ([]optimizer.GroupResult, error) {
	results := make([]optimizer.GroupResult, len(groups))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for i := range groups {
		i := i
		group := groups[i]
		eg.Go(func() error {
			artifact, err := p.buildOne(egCtx, plan, &group)
			mu.Lock()
			results[i] = optimizer.GroupResult{Group: group, Artifact: artifact, Err: err}
			mu.Unlock()
			if isCancellation(err) {
				return err
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil || ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			return nil, rderrors.Timeout()
		}
		return nil, rderrors.Cancelled()
	}
	return results, nil
}

func (p *Pipeline) buildOne(ctx context.Context, plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup) (*compiler.BinaryArtifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tpl, err := p.generator.Generate(plan, group)
	if err != nil {
		p.log.Warnw("template generation failed, group falls back to ssh",
			"group", group.ID, "error", err)
		return nil, err
	}

	spec := compiler.TargetSpec{
		Triple:            tpl.Target.Triple,
		OptimizationLevel: group.CompilationRequirements.OptimizationLevel,
		StripDebug:        true,
		LTO:               true,
	}

	artifact, err := p.compiler.Compile(ctx, tpl, spec)
	if err != nil {
		if isCancellation(err) {
			return nil, err
		}
		p.log.Warnw("compilation failed, group falls back to ssh",
			"group", group.ID, "error", err)
		return nil, err
	}
	return artifact, nil
}

// isCancellation distinguishes context-driven aborts from per-group
// failures: the former tear the pipeline down, the latter degrade to ssh
// fallbacks.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
