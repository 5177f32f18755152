package optimizer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iepathos/rustle-deploy/pkg/analyzer"
	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/compiler"
	"github.com/iepathos/rustle-deploy/pkg/modregistry"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
)

func newOptimizer() *Optimizer {
	return New(analyzer.New(modregistry.New(), arch.New(), "x86_64-unknown-linux-gnu"))
}

func planOf(tasks ...planmodel.Task) *planmodel.ExecutionPlan {
	return &planmodel.ExecutionPlan{
		Metadata: planmodel.Metadata{RustleDeployVersion: "0.5.0"},
		Hosts:    []string{"localhost"},
		Plays: []planmodel.Play{{
			ID:    "play-1",
			Hosts: []string{"localhost"},
			Batches: []planmodel.Batch{{
				ID: "batch-1", Hosts: []string{"localhost"}, Tasks: tasks,
			}},
		}},
		TotalTasks: len(tasks),
	}
}

func debugTasks(n int, secs uint64) []planmodel.Task {
	tasks := make([]planmodel.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, planmodel.Task{
			ID:                "t" + string(rune('1'+i)),
			Module:            "debug",
			Args:              map[string]interface{}{"msg": "hi"},
			Hosts:             []string{"localhost"},
			EstimatedDuration: planmodel.Duration{Secs: secs},
		})
	}
	return tasks
}

func TestScore_AllCompatibleScoresHigh(t *testing.T) {
	o := newOptimizer()
	score := o.Score(debugTasks(6, 10))
	assert.GreaterOrEqual(t, score, 0.8)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScore_IncompatibleTasksDragScoreDown(t *testing.T) {
	o := newOptimizer()
	tasks := debugTasks(2, 10)
	tasks = append(tasks,
		planmodel.Task{ID: "u1", Module: "user", Args: map[string]interface{}{}},
		planmodel.Task{ID: "u2", Module: "mount", Args: map[string]interface{}{}},
	)
	assert.Less(t, o.Score(tasks), 0.5)
	assert.Equal(t, 0.0, o.Score(nil))
}

func TestAssemble_NoGroupsMeansSshOnly(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(1, 5)...)

	out, strategy := o.Assemble(plan, nil)
	assert.Equal(t, planmodel.StrategySshOnly, strategy)
	assert.Empty(t, out.BinaryDeployments)
	require.Len(t, out.SshDeployments, 1)
	assert.Equal(t, []string{"t1"}, out.SshDeployments[0].TaskIDs)
	assert.Contains(t, out.TargetBreakdown, "ssh")
}

func fullCoverageResult(plan *planmodel.ExecutionPlan, compileTime time.Duration) GroupResult {
	var ids []string
	var total time.Duration
	for _, t := range plan.AllTasks() {
		ids = append(ids, t.ID)
		total += t.EstimatedDuration.ToStd()
	}
	return GroupResult{
		Group: planmodel.BinaryDeploymentGroup{
			ID:               "binary-1",
			TaskIDs:          ids,
			TargetHosts:      plan.Hosts,
			TargetTriple:     "x86_64-unknown-linux-gnu",
			EstimatedSavings: planmodel.FromStd(time.Duration(float64(total) * 0.3)),
		},
		Artifact: &compiler.BinaryArtifact{
			ID:                  "artifact-1",
			BinaryPath:          "/tmp/bin",
			TargetTriple:        "x86_64-unknown-linux-gnu",
			Size:                1024,
			Checksum:            "abc123",
			CompilationDuration: compileTime,
		},
	}
}

func TestAssemble_FullCoverageRecommendsBinaryOnly(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(6, 100)...)

	// 600s of execution, 30s of compilation: well under the quarter
	// overhead bound.
	out, strategy := o.Assemble(plan, []GroupResult{fullCoverageResult(plan, 30 * time.Second)})
	assert.Equal(t, planmodel.StrategyBinaryOnly, strategy)
	require.Len(t, out.BinaryDeployments, 1)
	assert.Empty(t, out.SshDeployments)
	assert.InDelta(t, 0.3, out.PerformanceGain, 0.01)
	assert.Equal(t, uint64(600), out.TotalDuration.Secs)

	breakdown, ok := out.TargetBreakdown["x86_64-unknown-linux-gnu"]
	require.True(t, ok)
	assert.True(t, breakdown.CompilationFeasible)
	assert.Equal(t, 6, breakdown.CompatibleTasks)
	assert.Equal(t, 1, breakdown.HostCount)
}

func TestAssemble_LeftoverTasksStillBinaryOnlyWhenScoreHigh(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(6, 100)...)

	// The group covers five of six tasks; the sixth falls back to ssh,
	// but with a high score and cheap compilation the recommendation
	// stays BinaryOnly.
	result := fullCoverageResult(plan, 30*time.Second)
	result.Group.TaskIDs = result.Group.TaskIDs[:5]

	out, strategy := o.Assemble(plan, []GroupResult{result})
	assert.Equal(t, planmodel.StrategyBinaryOnly, strategy)
	require.Len(t, out.BinaryDeployments, 1)
	require.Len(t, out.SshDeployments, 1)
	assert.Equal(t, []string{"t6"}, out.SshDeployments[0].TaskIDs)
}

func TestAssemble_HeavyOverheadDowngradesToHybrid(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(6, 10)...)

	// 60s of execution but 40s of compilation: over the bound.
	_, strategy := o.Assemble(plan, []GroupResult{fullCoverageResult(plan, 40 * time.Second)})
	assert.Equal(t, planmodel.StrategyBinaryHybrid, strategy)
}

func TestAssemble_FailedGroupBecomesSshFallback(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(3, 10)...)

	results := []GroupResult{{
		Group: planmodel.BinaryDeploymentGroup{
			ID:           "binary-1",
			TaskIDs:      []string{"t1", "t2", "t3"},
			TargetHosts:  plan.Hosts,
			TargetTriple: "x86_64-unknown-linux-gnu",
		},
		Err: errors.New("primary toolchain failed (exit 1) and fallback toolchain failed (exit 2)"),
	}}

	out, strategy := o.Assemble(plan, results)
	assert.Empty(t, out.BinaryDeployments)
	require.Len(t, out.SshDeployments, 1)
	assert.Equal(t, []string{"t1", "t2", "t3"}, out.SshDeployments[0].TaskIDs)
	assert.Contains(t, out.SshDeployments[0].FallbackReason, "toolchain failed")
	require.Len(t, out.Errors, 1)
	assert.NotEqual(t, planmodel.StrategyBinaryOnly, strategy)
}

func TestAssemble_ForceSshWins(t *testing.T) {
	o := newOptimizer()
	plan := planOf(debugTasks(6, 100)...)
	plan.Metadata.PlanningOptions.ForceSsh = true

	_, strategy := o.Assemble(plan, []GroupResult{fullCoverageResult(plan, 30 * time.Second)})
	assert.Equal(t, planmodel.StrategySshOnly, strategy)
}
