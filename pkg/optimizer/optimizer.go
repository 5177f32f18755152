// Package optimizer assembles the final deployment plan: compiled binary
// deployments where compilation succeeded, remote-shell fallbacks for
// everything else, a recommended strategy, and a per-target breakdown.
package optimizer

import (
	"time"

	"github.com/iepathos/rustle-deploy/pkg/analyzer"
	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/compiler"
	"github.com/iepathos/rustle-deploy/pkg/modregistry"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

// speedupUpperBound caps the speedup used when normalising scores.
const speedupUpperBound = 10.0

// BinaryDeployment is one compiled artefact assigned to its hosts.
type BinaryDeployment struct {
	DeploymentID      string             `json:"deployment_id"`
	TargetHosts       []string           `json:"target_hosts"`
	BinaryPath        string             `json:"binary_path"`
	BinaryChecksum    string             `json:"binary_checksum_sha256_hex"`
	BinarySizeBytes   int64              `json:"binary_size_bytes"`
	TargetTriple      string             `json:"target_triple"`
	TaskIDs           []string           `json:"task_ids"`
	EstimatedDuration planmodel.Duration `json:"estimated_duration"`
}

// SshDeployment is a remote-shell fallback for a task subset.
type SshDeployment struct {
	TargetHosts    []string `json:"target_hosts"`
	TaskIDs        []string `json:"task_ids"`
	FallbackReason string   `json:"fallback_reason"`
}

// TargetBreakdown summarises one distinct target triple.
type TargetBreakdown struct {
	HostCount           int     `json:"host_count"`
	CompatibleTasks     int     `json:"compatible_tasks"`
	CompilationFeasible bool    `json:"compilation_feasible"`
	EstimatedBenefit    float64 `json:"estimated_benefit"`
}

// DeploymentPlan is the structured output handed to the deployer.
type DeploymentPlan struct {
	BinaryDeployments   []BinaryDeployment         `json:"binary_deployments"`
	SshDeployments      []SshDeployment            `json:"ssh_deployments"`
	TotalDuration       planmodel.Duration         `json:"total_duration"`
	PerformanceGain     float64                    `json:"performance_gain"`
	CompilationOverhead planmodel.Duration         `json:"compilation_overhead"`
	TargetBreakdown     map[string]TargetBreakdown `json:"target_breakdown"`
	Errors              []string                   `json:"errors"`
}

// GroupResult pairs an analysed group with its compilation outcome.
type GroupResult struct {
	Group    planmodel.BinaryDeploymentGroup
	Artifact *compiler.BinaryArtifact
	Err      error
}

// Optimizer scores candidate deployments and builds the final plan.
type Optimizer struct {
	analyzer *analyzer.Analyzer
	log      *rdlog.Logger
}

// New builds an Optimizer sharing the pipeline's analyzer.
func New(a *analyzer.Analyzer) *Optimizer {
	return &Optimizer{analyzer: a, log: rdlog.Get().With("component", "optimizer")}
}

// Score computes the optimisation score in [0, 1]: the binary-compatible
// fraction weighted by the estimated speedup normalised against the
// 10x upper bound.
func (o *Optimizer) Score(tasks []planmodel.Task) float64 {
	if len(tasks) == 0 {
		return 0.0
	}
	compatible := 0
	for _, t := range tasks {
		if o.analyzer.Assess(t).Verdict != modregistry.Incompatible {
			compatible++
		}
	}
	fraction := float64(compatible) / float64(len(tasks))

	// Network savings drive the speedup estimate: no savings is 1x,
	// maximum savings approaches the upper bound.
	savings := o.analyzer.EstimateNetworkSavings(tasks, "binary")
	speedup := 1.0 + (speedupUpperBound-1.0)*savings
	factor := speedup / speedupUpperBound

	score := fraction * factor
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Assemble builds the DeploymentPlan from compilation outcomes and
// returns it with the recommended strategy.
func (o *Optimizer) Assemble(plan *planmodel.ExecutionPlan, results []GroupResult) (*DeploymentPlan, planmodel.Strategy) {
	tasks := plan.AllTasks()
	out := &DeploymentPlan{
		TargetBreakdown: make(map[string]TargetBreakdown),
		Errors:          []string{},
	}

	covered := make(map[string]bool)
	var totalSavings time.Duration
	var overhead time.Duration

	for _, r := range results {
		if r.Err != nil {
			out.Errors = append(out.Errors, r.Err.Error())
			out.SshDeployments = append(out.SshDeployments, SshDeployment{
				TargetHosts:    r.Group.TargetHosts,
				TaskIDs:        r.Group.TaskIDs,
				FallbackReason: shortReason(r.Err),
			})
			// Already assigned to an ssh fallback; keep them out of the
			// generic leftover cohort.
			for _, id := range r.Group.TaskIDs {
				covered[id] = true
			}
			continue
		}

		var groupDuration time.Duration
		for _, id := range r.Group.TaskIDs {
			covered[id] = true
			if t, ok := plan.TaskByID(id); ok {
				groupDuration += t.EstimatedDuration.ToStd()
			}
		}
		totalSavings += r.Group.EstimatedSavings.ToStd()
		if !r.Artifact.CacheHit {
			overhead += r.Artifact.CompilationDuration
		}

		out.BinaryDeployments = append(out.BinaryDeployments, BinaryDeployment{
			DeploymentID:      r.Group.ID,
			TargetHosts:       r.Group.TargetHosts,
			BinaryPath:        r.Artifact.BinaryPath,
			BinaryChecksum:    r.Artifact.Checksum,
			BinarySizeBytes:   r.Artifact.Size,
			TargetTriple:      r.Artifact.TargetTriple,
			TaskIDs:           r.Group.TaskIDs,
			EstimatedDuration: planmodel.FromStd(groupDuration),
		})
	}

	// Everything not covered by a successful binary group falls back to
	// remote shell.
	var leftover []string
	var totalExec time.Duration
	for _, t := range tasks {
		totalExec += t.EstimatedDuration.ToStd()
		if !covered[t.ID] {
			leftover = append(leftover, t.ID)
		}
	}
	if len(leftover) > 0 {
		out.SshDeployments = append(out.SshDeployments, SshDeployment{
			TargetHosts:    plan.Hosts,
			TaskIDs:        leftover,
			FallbackReason: "below binary threshold or incompatible",
		})
	}

	out.TotalDuration = planmodel.FromStd(totalExec)
	out.CompilationOverhead = planmodel.FromStd(overhead)
	if totalExec > 0 {
		out.PerformanceGain = float64(totalSavings) / float64(totalExec)
	}

	o.buildBreakdown(plan, tasks, results, out)

	strategy := o.recommend(plan, tasks, results, totalExec, overhead)
	o.log.Infow("deployment plan assembled",
		"binary_deployments", len(out.BinaryDeployments),
		"ssh_deployments", len(out.SshDeployments),
		"strategy", strategy,
		"performance_gain", out.PerformanceGain)
	return out, strategy
}

func (o *Optimizer) buildBreakdown(plan *planmodel.ExecutionPlan, tasks []planmodel.Task, results []GroupResult, out *DeploymentPlan) {
	compatible := 0
	for _, t := range tasks {
		if o.analyzer.Assess(t).Verdict != modregistry.Incompatible {
			compatible++
		}
	}

	seen := make(map[string]bool)
	for _, r := range results {
		triple := r.Group.TargetTriple
		if seen[triple] {
			continue
		}
		seen[triple] = true
		normalised, err := arch.Normalise(triple)
		out.TargetBreakdown[triple] = TargetBreakdown{
			HostCount:           len(r.Group.TargetHosts),
			CompatibleTasks:     compatible,
			CompilationFeasible: err == nil && arch.Validate(normalised),
			EstimatedBenefit:    o.analyzer.EstimateNetworkSavings(tasks, "binary"),
		}
	}
	if len(out.TargetBreakdown) == 0 && len(plan.Hosts) > 0 {
		// No candidate groups: report the plan as a single ssh-bound
		// cohort so the deployer still sees host coverage.
		out.TargetBreakdown["ssh"] = TargetBreakdown{
			HostCount:        len(plan.Hosts),
			CompatibleTasks:  compatible,
			EstimatedBenefit: 0.0,
		}
	}
}

// recommend picks the strategy: BinaryOnly for a high score with
// acceptable compilation overhead, Hybrid for the middle ground or mixed
// group outcomes, SshOnly otherwise or when forced.
func (o *Optimizer) recommend(plan *planmodel.ExecutionPlan, tasks []planmodel.Task, results []GroupResult, totalExec, overhead time.Duration) planmodel.Strategy {
	if plan.Metadata.PlanningOptions.ForceSsh {
		return planmodel.StrategySshOnly
	}
	if len(results) == 0 {
		return planmodel.StrategySshOnly
	}

	anyFeasible := false
	anyFailed := false
	for _, r := range results {
		if r.Err != nil {
			anyFailed = true
			continue
		}
		if _, err := arch.Normalise(r.Group.TargetTriple); err == nil {
			anyFeasible = true
		}
	}
	if !anyFeasible {
		return planmodel.StrategySshOnly
	}

	score := o.Score(tasks)
	covered := 0
	for _, r := range results {
		if r.Err == nil {
			covered += len(r.Group.TaskIDs)
		}
	}
	// Mixed group outcomes (a failed compilation, or tasks left outside
	// every group) are the Hybrid trigger when the score alone is low.
	mixedOutcome := anyFailed || covered < len(tasks)

	switch {
	case score >= 0.8 && overhead <= totalExec/4 && !anyFailed:
		return planmodel.StrategyBinaryOnly
	case score >= 0.5 || mixedOutcome:
		return planmodel.StrategyBinaryHybrid
	default:
		return planmodel.StrategySshOnly
	}
}

func shortReason(err error) string {
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:117] + "..."
	}
	return msg
}
