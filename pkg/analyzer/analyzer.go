// Package analyzer decides which tasks are worth compiling into a native
// binary. It assesses per-task compatibility, groups compatible tasks by
// target architecture, and emits a BinaryDeploymentGroup for every group
// whose size crosses the configured threshold.
package analyzer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/modregistry"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

// savingsFraction is the share of a task group's estimated execution time
// a binary deployment is expected to win back by skipping per-task SSH
// round trips.
const savingsFraction = 0.3

// Analyzer groups binary-compatible tasks into deployment candidates.
type Analyzer struct {
	registry *modregistry.Registry
	resolver *arch.Resolver

	// defaultArch is the architecture assumed for all hosts at planning
	// time. Remote probing belongs to the deployer, not this stage.
	defaultArch string

	log *rdlog.Logger
}

// New builds an Analyzer that plans for defaultArch targets.
func New(registry *modregistry.Registry, resolver *arch.Resolver, defaultArch string) *Analyzer {
	return &Analyzer{
		registry:    registry,
		resolver:    resolver,
		defaultArch: defaultArch,
		log:         rdlog.Get().With("component", "analyzer"),
	}
}

// Assess computes a task's binary compatibility. It starts from the module
// registry's verdict, then downgrades fully-compatible tasks whose
// arguments demand interactive input or planner-side expression
// resolution. An Incompatible registry verdict is final.
func (a *Analyzer) Assess(task planmodel.Task) modregistry.ModuleCompatibility {
	verdict := a.registry.Check(task.Module)
	if verdict.Verdict == modregistry.Incompatible {
		return verdict
	}

	var extra []string
	if _, ok := task.Args["prompt"]; ok {
		extra = append(extra, "Interactive input required")
	} else if _, ok := task.Args["interactive"]; ok {
		extra = append(extra, "Interactive input required")
	} else if task.Module == "pause" {
		extra = append(extra, "Interactive input required")
	}

	if hasDynamicArgs(task.Args) {
		extra = append(extra, "Dynamic argument resolution required")
	}

	if len(extra) == 0 {
		return verdict
	}
	return modregistry.ModuleCompatibility{
		Verdict:     modregistry.PartiallyCompatible,
		Limitations: append(append([]string{}, verdict.Limitations...), extra...),
	}
}

func hasDynamicArgs(args map[string]interface{}) bool {
	for _, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, "{{") || strings.Contains(s, "ansible_") {
			return true
		}
	}
	return false
}

// includable reports whether an assessed task belongs in a binary group:
// Incompatible never, PartiallyCompatible only when no limitation is
// flagged critical.
func includable(c modregistry.ModuleCompatibility) bool {
	switch c.Verdict {
	case modregistry.Incompatible:
		return false
	case modregistry.PartiallyCompatible:
		for _, l := range c.Limitations {
			if strings.Contains(l, "critical") {
				return false
			}
		}
	}
	return true
}

// DetectPrimary resolves the target architecture for a host set. Planning
// time has no remote access, so the configured default is authoritative;
// it is still normalised and validated before use.
func (a *Analyzer) DetectPrimary(hosts []string) (string, error) {
	if a.defaultArch == "" {
		return "", &rderrors.AnalysisError{Hosts: hosts}
	}
	normalised, err := arch.Normalise(a.defaultArch)
	if err != nil {
		return "", &rderrors.AnalysisError{Hosts: hosts}
	}
	return normalised, nil
}

// Analyze returns the binary deployment groups worth producing from tasks,
// one per target architecture whose surviving-task count reaches
// threshold. Per-task assessment failures abort the whole analysis; there
// are no partial results.
func (a *Analyzer) Analyze(tasks []planmodel.Task, hosts []string, threshold int) ([]planmodel.BinaryDeploymentGroup, error) {
	// byArch preserves first-seen architecture order so group output is
	// stable across runs.
	byArch := make(map[string][]planmodel.Task)
	var archOrder []string

	for _, task := range tasks {
		verdict := a.Assess(task)
		if verdict.Verdict == modregistry.Incompatible {
			a.log.Debugw("task excluded from binary deployment",
				"task_id", task.ID, "module", task.Module, "reasons", verdict.Reasons)
			continue
		}
		if !includable(verdict) {
			a.log.Debugw("task excluded by critical limitation",
				"task_id", task.ID, "limitations", verdict.Limitations)
			continue
		}

		targetArch, err := a.DetectPrimary(task.Hosts)
		if err != nil {
			return nil, &rderrors.AnalysisError{
				TaskID: task.ID,
				Reason: fmt.Sprintf("architecture detection failed: %v", err),
			}
		}

		if _, seen := byArch[targetArch]; !seen {
			archOrder = append(archOrder, targetArch)
		}
		byArch[targetArch] = append(byArch[targetArch], task)
	}

	var groups []planmodel.BinaryDeploymentGroup
	for _, targetArch := range archOrder {
		members := byArch[targetArch]
		if len(members) < threshold {
			a.log.Debugw("architecture group below threshold",
				"architecture", targetArch, "tasks", len(members), "threshold", threshold)
			continue
		}
		groups = append(groups, a.buildGroup(targetArch, members, hosts))
	}

	a.log.Infow("binary deployment analysis complete",
		"candidate_groups", len(groups), "total_tasks", len(tasks))
	return groups, nil
}

func (a *Analyzer) buildGroup(targetArch string, members []planmodel.Task, hosts []string) planmodel.BinaryDeploymentGroup {
	taskIDs := make([]string, 0, len(members))
	var modules []string
	seenModules := make(map[string]bool)
	var staticFiles []planmodel.StaticFileRef
	var total time.Duration

	for _, t := range members {
		taskIDs = append(taskIDs, t.ID)
		if !seenModules[t.Module] {
			seenModules[t.Module] = true
			modules = append(modules, t.Module)
		}
		staticFiles = append(staticFiles, extractStaticFiles(t)...)
		total += t.EstimatedDuration.ToStd()
	}

	savings := time.Duration(float64(total) * savingsFraction)

	return planmodel.BinaryDeploymentGroup{
		ID:           "binary-" + uuid.New().String(),
		TaskIDs:      taskIDs,
		TargetHosts:  hosts,
		TargetTriple: targetArch,
		Modules:      modules,
		StaticFiles:  staticFiles,
		CompilationRequirements: planmodel.CompilationRequirements{
			TargetTriple:      targetArch,
			OptimizationLevel: "release",
			Features:          []string{"binary-deployment"},
		},
		DeploymentConfig: planmodel.DefaultDeploymentConfig(),
		EstimatedSavings: planmodel.FromStd(savings),
	}
}

// extractStaticFiles pulls file references out of task args: every string
// value under "src" becomes a real file reference, and "content" becomes a
// synthetic inline reference resolved later by the embedder.
func extractStaticFiles(task planmodel.Task) []planmodel.StaticFileRef {
	var refs []planmodel.StaticFileRef
	if src, ok := task.Args["src"].(string); ok && src != "" {
		refs = append(refs, planmodel.StaticFileRef{
			SourcePath: src,
			TargetPath: src,
		})
	}
	if _, ok := task.Args["content"]; ok {
		refs = append(refs, planmodel.StaticFileRef{
			SourcePath: fmt.Sprintf("inline-content-%s", task.ID),
			TargetPath: fmt.Sprintf("inline-content-%s", task.ID),
		})
	}
	return refs
}

// EstimateCompileTime predicts how long a group's compilation will take:
// a 30s toolchain baseline plus per-module and per-feature costs plus the
// optimisation level's surcharge.
func EstimateCompileTime(group planmodel.BinaryDeploymentGroup) time.Duration {
	est := 30 * time.Second
	est += time.Duration(len(group.Modules)) * 5 * time.Second
	est += time.Duration(len(group.CompilationRequirements.Features)) * 2 * time.Second

	switch group.CompilationRequirements.OptimizationLevel {
	case "debug":
		est += 1 * time.Second
	case "release":
		est += 3 * time.Second
	case "lto":
		est += 5 * time.Second
	default:
		est += 2 * time.Second
	}
	return est
}

// EstimateNetworkSavings scores the transfer reduction of a deployment
// method in [0.0, 1.0]. Binary deployment scales with the fraction of
// compatible tasks; hybrid and ssh are fixed points.
func (a *Analyzer) EstimateNetworkSavings(tasks []planmodel.Task, method string) float64 {
	switch method {
	case "binary":
		if len(tasks) == 0 {
			return 0.0
		}
		compatible := 0
		for _, t := range tasks {
			if includable(a.Assess(t)) {
				compatible++
			}
		}
		return 0.8 * float64(compatible) / float64(len(tasks))
	case "hybrid":
		return 0.4
	case "ssh":
		return 0.0
	default:
		return 0.2
	}
}
