package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iepathos/rustle-deploy/pkg/compiler"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
	"github.com/iepathos/rustle-deploy/pkg/templategen"
)

// stubCompiler returns canned artefacts without touching a toolchain.
type stubCompiler struct {
	fail  bool
	block bool
}

func (s *stubCompiler) Compile(ctx context.Context, tpl *templategen.GeneratedTemplate, spec compiler.TargetSpec) (*compiler.BinaryArtifact, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.fail {
		return nil, &rderrors.CompilationError{Kind: rderrors.CompilationErrBinaryNotProduced}
	}
	return &compiler.BinaryArtifact{
		ID:                  "artifact-stub",
		BinaryPath:          "/tmp/stub-binary",
		TargetTriple:        spec.Triple,
		Size:                4096,
		Checksum:            "deadbeef",
		CompilationDuration: 10 * time.Millisecond,
	}, nil
}

func newPipeline(t *testing.T, comp BinaryCompiler) *Pipeline {
	t.Helper()
	p, err := New(Options{
		CacheRoot:   t.TempDir(),
		DefaultArch: "x86_64-unknown-linux-gnu",
		Compiler:    comp,
	})
	require.NoError(t, err)
	return p
}

func testPlan(taskCount, threshold int) *planmodel.ExecutionPlan {
	var tasks []planmodel.Task
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, planmodel.Task{
			ID:                "task-" + string(rune('a'+i)),
			Name:              "say hi",
			Module:            "debug",
			Args:              map[string]interface{}{"msg": "hi"},
			Hosts:             []string{"localhost"},
			EstimatedDuration: planmodel.Duration{Secs: 10},
		})
	}
	return &planmodel.ExecutionPlan{
		Metadata: planmodel.Metadata{
			RustleDeployVersion: "0.5.0",
			PlanningOptions: planmodel.PlanningOptions{
				Forks:           10,
				BinaryThreshold: threshold,
			},
		},
		Hosts: []string{"localhost"},
		Plays: []planmodel.Play{{
			ID:    "play-1",
			Hosts: []string{"localhost"},
			Batches: []planmodel.Batch{{
				ID: "batch-1", Hosts: []string{"localhost"}, Tasks: tasks,
			}},
		}},
		TotalTasks: taskCount,
	}
}

func TestRun_TrivialPlanIsSshOnly(t *testing.T) {
	p := newPipeline(t, &stubCompiler{})

	raw, err := json.Marshal(testPlan(1, 5))
	require.NoError(t, err)

	result, err := p.Run(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, planmodel.StrategySshOnly, result.Strategy)
	assert.Empty(t, result.Plan.BinaryDeployments)
	require.Len(t, result.Plan.SshDeployments, 1)
	assert.Len(t, result.Plan.SshDeployments[0].TaskIDs, 1)
}

func TestRun_HomogeneousGroupCompiles(t *testing.T) {
	p := newPipeline(t, &stubCompiler{})

	raw, err := json.Marshal(testPlan(6, 3))
	require.NoError(t, err)

	result, err := p.Run(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Plan.BinaryDeployments, 1)
	deployment := result.Plan.BinaryDeployments[0]
	assert.Len(t, deployment.TaskIDs, 6)
	assert.Equal(t, "deadbeef", deployment.BinaryChecksum)
	assert.Empty(t, result.Plan.SshDeployments)
	assert.Equal(t, planmodel.StrategyBinaryOnly, result.Strategy)
}

func TestRun_MalformedJSONIsParseError(t *testing.T) {
	p := newPipeline(t, &stubCompiler{})

	_, err := p.Run(context.Background(), []byte("{not json"))
	require.Error(t, err)
	var pe *rderrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, rderrors.PipelineErrParse, pe.Kind)
}

func TestRun_ValidationFailureSurfaces(t *testing.T) {
	p := newPipeline(t, &stubCompiler{})

	plan := testPlan(1, 5)
	plan.TotalTasks = 42
	raw, err := json.Marshal(plan)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), raw)
	require.Error(t, err)
	var pe *rderrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, rderrors.PipelineErrValidation, pe.Kind)
	var ve *rderrors.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestRun_CompilationFailureDegradesToSsh(t *testing.T) {
	p := newPipeline(t, &stubCompiler{fail: true})

	raw, err := json.Marshal(testPlan(6, 3))
	require.NoError(t, err)

	result, err := p.Run(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, result.Plan.BinaryDeployments)
	require.Len(t, result.Plan.SshDeployments, 1)
	assert.Contains(t, result.Plan.SshDeployments[0].FallbackReason, "no binary was produced")
	assert.NotEmpty(t, result.Plan.Errors)
	assert.NotEqual(t, planmodel.StrategyBinaryOnly, result.Strategy)
}

func TestRun_ForceSshSkipsAnalysis(t *testing.T) {
	p := newPipeline(t, &stubCompiler{})

	plan := testPlan(6, 3)
	plan.Metadata.PlanningOptions.ForceSsh = true
	raw, err := json.Marshal(plan)
	require.NoError(t, err)

	result, err := p.Run(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, result.Plan.BinaryDeployments)
	assert.Equal(t, planmodel.StrategySshOnly, result.Strategy)
}

func TestRun_CancellationAbortsCleanly(t *testing.T) {
	p := newPipeline(t, &stubCompiler{block: true})

	raw, err := json.Marshal(testPlan(6, 3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = p.Run(ctx, raw)
	require.Error(t, err)
	var pe *rderrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, rderrors.PipelineErrCancelled, pe.Kind)
}

func TestRun_PipelineTimeout(t *testing.T) {
	p, err := New(Options{
		CacheRoot:       t.TempDir(),
		DefaultArch:     "x86_64-unknown-linux-gnu",
		Compiler:        &stubCompiler{block: true},
		PipelineTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(testPlan(6, 3))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), raw)
	require.Error(t, err)
	var pe *rderrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, rderrors.PipelineErrTimeout, pe.Kind)
}

// Serialising a validated plan and re-parsing it preserves the task set
// and dependency edges.
func TestRun_PlanRoundTrip(t *testing.T) {
	plan := testPlan(3, 5)
	plan.Plays[0].Batches[0].Tasks[2].Dependencies = []string{"task-a"}

	raw, err := json.Marshal(plan)
	require.NoError(t, err)

	var reparsed planmodel.ExecutionPlan
	require.NoError(t, json.Unmarshal(raw, &reparsed))

	original := plan.AllTasks()
	round := reparsed.AllTasks()
	require.Equal(t, len(original), len(round))
	for i := range original {
		assert.Equal(t, original[i].ID, round[i].ID)
		assert.Equal(t, original[i].Dependencies, round[i].Dependencies)
	}

	p := newPipeline(t, &stubCompiler{})
	result, err := p.Run(context.Background(), raw)
	require.NoError(t, err)
	assert.NotNil(t, result.Plan)
}
