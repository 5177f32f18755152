package templategen

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/embedder"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	emb, err := embedder.New()
	require.NoError(t, err)
	return New(arch.New(), emb)
}

func simplePlan(tasks ...planmodel.Task) *planmodel.ExecutionPlan {
	return &planmodel.ExecutionPlan{
		Metadata: planmodel.Metadata{RustleDeployVersion: "0.5.0"},
		Hosts:    []string{"web1"},
		Plays: []planmodel.Play{{
			ID:    "play-1",
			Hosts: []string{"web1"},
			Batches: []planmodel.Batch{{
				ID: "batch-1", Hosts: []string{"web1"}, Tasks: tasks,
			}},
		}},
		TotalTasks: len(tasks),
	}
}

func debugGroup(taskIDs ...string) *planmodel.BinaryDeploymentGroup {
	return &planmodel.BinaryDeploymentGroup{
		ID:          "binary-test",
		TaskIDs:     taskIDs,
		TargetHosts: []string{"web1"},
		Modules:     []string{"debug"},
		CompilationRequirements: planmodel.CompilationRequirements{
			TargetTriple:      "x86_64-unknown-linux-gnu",
			OptimizationLevel: "release",
			Features:          []string{"binary-deployment"},
		},
	}
}

func TestGenerate_ProjectLayout(t *testing.T) {
	g := newGenerator(t)
	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "debug",
		Args: map[string]interface{}{"msg": "hi"},
	})

	tpl, err := g.Generate(plan, debugGroup("t1"))
	require.NoError(t, err)

	for _, path := range []string{
		"src/main.rs", "src/runtime.rs", "src/modules/mod.rs",
		"src/modules/debug.rs", "src/embedded_data.rs", "Cargo.toml",
	} {
		assert.Contains(t, tpl.Files, path)
	}
	assert.Equal(t, "rustle-runner", tpl.BinaryName)
	assert.Contains(t, tpl.Manifest, `opt-level = 3`)
	assert.Contains(t, tpl.Manifest, `lto = "fat"`)
	assert.Contains(t, tpl.Manifest, `codegen-units = 1`)
	assert.Contains(t, tpl.Manifest, `strip = true`)
	assert.Contains(t, tpl.Manifest, `panic = "abort"`)
	assert.Contains(t, tpl.CompilationFlags, "--release")
	assert.Contains(t, tpl.CompilationFlags, "x86_64-unknown-linux-gnu")
	assert.Greater(t, tpl.EstimatedBinarySize, int64(0))
	assert.Len(t, tpl.CacheKey, 64)
}

func TestGenerate_CacheKeyDeterministic(t *testing.T) {
	g := newGenerator(t)
	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "debug",
		Args: map[string]interface{}{"msg": "hi"},
	})

	first, err := g.Generate(plan, debugGroup("t1"))
	require.NoError(t, err)
	second, err := g.Generate(plan, debugGroup("t1"))
	require.NoError(t, err)
	assert.Equal(t, first.CacheKey, second.CacheKey)

	// Changing an input changes the key.
	plan.Plays[0].Batches[0].Tasks[0].Args["msg"] = "different"
	third, err := g.Generate(plan, debugGroup("t1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.CacheKey, third.CacheKey)
}

func TestGenerate_UnknownModuleGetsFailingStub(t *testing.T) {
	g := newGenerator(t)
	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "lineinfile",
		Args: map[string]interface{}{"path": "/etc/hosts"},
	})
	group := debugGroup("t1")
	group.Modules = []string{"lineinfile"}

	tpl, err := g.Generate(plan, group)
	require.NoError(t, err)
	stub := string(tpl.Files["src/modules/lineinfile.rs"])
	assert.Contains(t, stub, "no native implementation")
	assert.Contains(t, stub, "lineinfile")
}

func TestGenerate_CrossCompileEmitsBuildScript(t *testing.T) {
	g := newGenerator(t)
	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "debug",
		Args: map[string]interface{}{"msg": "hi"},
	})
	group := debugGroup("t1")
	group.CompilationRequirements.TargetTriple = "aarch64-unknown-linux-gnu"

	tpl, err := g.Generate(plan, group)
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.BuildScript)
	assert.Contains(t, tpl.Files, "build.rs")
}

func TestGenerate_TemplateSourceConverted(t *testing.T) {
	g := newGenerator(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "nginx.conf.j2")
	require.NoError(t, os.WriteFile(src, []byte("{% if tls %}listen 443;{% endif %}"), 0644))

	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "template",
		Args: map[string]interface{}{"src": src, "dest": "/etc/nginx/nginx.conf"},
	})
	group := debugGroup("t1")
	group.Modules = []string{"template"}
	group.StaticFiles = []planmodel.StaticFileRef{{SourcePath: src, TargetPath: src}}

	tpl, err := g.Generate(plan, group)
	require.NoError(t, err)

	embedded := string(tpl.Files["src/embedded_data.rs"])
	assert.NotEmpty(t, embedded)
	// The handlebars dialect, base64-encoded, lands in the island; the
	// original Jinja delimiters must be gone from the entry.
	assert.NotContains(t, embedded, "{% if")
	assert.Contains(t, embedded, base64.StdEncoding.EncodeToString([]byte("{{#if tls}}listen 443;{{/if}}")))
}

func TestGenerate_UnsupportedTemplateFeatureFails(t *testing.T) {
	g := newGenerator(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "bad.j2")
	require.NoError(t, os.WriteFile(src, []byte("{% set x=1 %}"), 0644))

	plan := simplePlan(planmodel.Task{
		ID: "t1", Module: "template",
		Args: map[string]interface{}{"src": src, "dest": "/tmp/out"},
	})
	group := debugGroup("t1")
	group.Modules = []string{"template"}
	group.StaticFiles = []planmodel.StaticFileRef{{SourcePath: src, TargetPath: src}}

	_, err := g.Generate(plan, group)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported Jinja2 feature")
}

func TestMapParameters_CommandRawParams(t *testing.T) {
	mapped, err := MapParameters("command", map[string]interface{}{"_raw_params": "echo hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo hi", mapped["cmd"])
	assert.NotContains(t, mapped, "_raw_params")

	// Existing cmd wins.
	mapped, err = MapParameters("command", map[string]interface{}{
		"_raw_params": "echo raw", "cmd": "echo cmd",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo cmd", mapped["cmd"])
}

func TestMapParameters_FileDestAndLinkSrc(t *testing.T) {
	mapped, err := MapParameters("file", map[string]interface{}{"dest": "/tmp/f", "state": "touch"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/f", mapped["path"])

	_, err = MapParameters("file", map[string]interface{}{"path": "/tmp/l", "state": "link"})
	require.Error(t, err)
	var te *rderrors.TemplateError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, rderrors.TemplateErrMissingParameter, te.Kind)
	assert.Contains(t, err.Error(), "src")
}

func TestMapParameters_CopyAndDebugRequirements(t *testing.T) {
	_, err := MapParameters("copy", map[string]interface{}{"src": "/a"})
	require.Error(t, err)

	_, err = MapParameters("copy", map[string]interface{}{"dest": "/b"})
	require.Error(t, err)

	_, err = MapParameters("copy", map[string]interface{}{"src": "/a", "dest": "/b"})
	require.NoError(t, err)

	_, err = MapParameters("copy", map[string]interface{}{"content": "x", "dest": "/b"})
	require.NoError(t, err)

	_, err = MapParameters("debug", map[string]interface{}{})
	require.Error(t, err)

	_, err = MapParameters("debug", map[string]interface{}{"var": "hostname"})
	require.NoError(t, err)
}

func TestMapParameters_InputNotMutated(t *testing.T) {
	args := map[string]interface{}{"_raw_params": "echo hi"}
	_, err := MapParameters("command", args)
	require.NoError(t, err)
	assert.Contains(t, args, "_raw_params")
}

func TestModuleSources_DispatchIndexListsAllModules(t *testing.T) {
	g := newGenerator(t)
	plan := simplePlan(
		planmodel.Task{ID: "t1", Module: "debug", Args: map[string]interface{}{"msg": "x"}},
		planmodel.Task{ID: "t2", Module: "copy", Args: map[string]interface{}{"src": "/a", "dest": "/b"}},
	)
	group := debugGroup("t1", "t2")
	group.Modules = []string{"debug", "copy"}

	tpl, err := g.Generate(plan, group)
	require.NoError(t, err)

	index := string(tpl.Files["src/modules/mod.rs"])
	assert.Contains(t, index, "pub mod debug;")
	assert.Contains(t, index, "pub mod copy;")
	assert.Contains(t, index, `"debug" => debug::execute`)
	assert.Contains(t, index, `"copy" => copy::execute`)
	// copy pulls in the shared permissions helper.
	assert.Contains(t, index, "pub mod permissions;")
	assert.Contains(t, tpl.Files, "src/modules/permissions.rs")

	if !strings.Contains(string(tpl.Files["src/modules/copy.rs"]), "async fn execute") {
		t.Fatal("copy module must export an async execute function")
	}
}
