// Package templategen materialises, in memory, the complete source
// project compiled into a deployment binary: entry point, per-module
// implementations, the embedded data island, and the build manifest. The
// project is handed to the compiler and discarded after compilation.
package templategen

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/embedder"
	"github.com/iepathos/rustle-deploy/pkg/jinja"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

// binaryName is the name of the binary target inside every generated
// project; the artefact is renamed per deployment after compilation.
const binaryName = "rustle-runner"

// Rough size model for the produced binary: a tokio+serde baseline plus
// per-module code plus the embedded island.
const (
	baseBinarySize      = 5 << 20
	perModuleBinarySize = 512 << 10
)

// TargetInfo pins everything about the compilation target that affects
// the produced binary.
type TargetInfo struct {
	Triple            string   `json:"triple"`
	OptimizationLevel string   `json:"optimization_level"`
	Features          []string `json:"features"`
	RequiresCross     bool     `json:"requires_cross"`
}

// GeneratedTemplate is a fully realised source project.
type GeneratedTemplate struct {
	ID                  string
	Files               map[string][]byte
	Manifest            string
	BuildScript         string
	Target              TargetInfo
	CompilationFlags    []string
	EstimatedBinarySize int64
	CacheKey            string
	BinaryName          string
}

// Generator produces source projects for binary deployment groups.
type Generator struct {
	resolver *arch.Resolver
	embedder *embedder.Embedder
	log      *rdlog.Logger
}

// New builds a Generator.
func New(resolver *arch.Resolver, emb *embedder.Embedder) *Generator {
	return &Generator{
		resolver: resolver,
		embedder: emb,
		log:      rdlog.Get().With("component", "templategen"),
	}
}

// Generate realises the project for group against plan.
func (g *Generator) Generate(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup) (*GeneratedTemplate, error) {
	mapped, err := mapPlanParameters(plan, group)
	if err != nil {
		return nil, err
	}

	data, err := g.embedder.Embed(mapped, group)
	if err != nil {
		return nil, err
	}
	if err := g.convertTemplateSources(mapped, group, data); err != nil {
		return nil, err
	}

	cross, err := g.resolver.Requirements(group.CompilationRequirements.TargetTriple)
	if err != nil {
		return nil, err
	}

	target := TargetInfo{
		Triple:            cross.Triple,
		OptimizationLevel: group.CompilationRequirements.OptimizationLevel,
		Features:          group.CompilationRequirements.Features,
		RequiresCross:     cross.RequiresCross,
	}

	files := make(map[string][]byte)
	files["src/main.rs"] = []byte(mainTemplate)
	files["src/runtime.rs"] = []byte(runtimeSource)

	modules := append([]string{}, group.Modules...)
	if err := g.renderModuleFiles(files, modules); err != nil {
		return nil, err
	}

	embeddedSrc, err := renderEmbeddedData(data)
	if err != nil {
		return nil, err
	}
	files["src/embedded_data.rs"] = embeddedSrc

	manifest, err := renderManifest(group, target)
	if err != nil {
		return nil, err
	}
	files["Cargo.toml"] = []byte(manifest)

	var buildScript string
	if len(cross.LinkerRequirements) > 0 {
		buildScript, err = renderBuildScript(cross)
		if err != nil {
			return nil, err
		}
		files["build.rs"] = []byte(buildScript)
	}

	flags := compilationFlags(target)

	tpl := &GeneratedTemplate{
		ID:                  group.ID,
		Files:               files,
		Manifest:            manifest,
		BuildScript:         buildScript,
		Target:              target,
		CompilationFlags:    flags,
		EstimatedBinarySize: estimateBinarySize(modules, data),
		BinaryName:          binaryName,
	}
	tpl.CacheKey, err = computeCacheKey(tpl)
	if err != nil {
		return nil, err
	}

	g.log.Infow("template generated",
		"group", group.ID, "files", len(files), "cache_key", tpl.CacheKey[:12])
	return tpl, nil
}

// mapPlanParameters returns a copy of plan with every group member task's
// arguments normalised through MapParameters.
func mapPlanParameters(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup) (*planmodel.ExecutionPlan, error) {
	member := make(map[string]bool, len(group.TaskIDs))
	for _, id := range group.TaskIDs {
		member[id] = true
	}

	mapped := *plan
	mapped.Plays = make([]planmodel.Play, len(plan.Plays))
	for pi, play := range plan.Plays {
		mapped.Plays[pi] = play
		mapped.Plays[pi].Batches = make([]planmodel.Batch, len(play.Batches))
		for bi, batch := range play.Batches {
			mapped.Plays[pi].Batches[bi] = batch
			mapped.Plays[pi].Batches[bi].Tasks = make([]planmodel.Task, len(batch.Tasks))
			for ti, task := range batch.Tasks {
				mapped.Plays[pi].Batches[bi].Tasks[ti] = task
				if !member[task.ID] {
					continue
				}
				args, err := MapParameters(task.Module, task.Args)
				if err != nil {
					return nil, fmt.Errorf("task %s: %w", task.ID, err)
				}
				mapped.Plays[pi].Batches[bi].Tasks[ti].Args = args
			}
		}
	}
	return &mapped, nil
}

// convertTemplateSources rewrites every embedded file that a template
// task renders from Jinja to the Handlebars dialect the runtime speaks.
func (g *Generator) convertTemplateSources(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup, data *embedder.EmbeddedData) error {
	member := make(map[string]bool, len(group.TaskIDs))
	for _, id := range group.TaskIDs {
		member[id] = true
	}

	for _, task := range plan.AllTasks() {
		if !member[task.ID] || task.Module != "template" {
			continue
		}
		src, ok := task.Args["src"].(string)
		if !ok {
			continue
		}
		for target, entry := range data.Files {
			if target != src {
				continue
			}
			if entry.Compressed {
				// Template sources are small; refuse the combination
				// instead of decompress-convert-recompress round trips.
				return fmt.Errorf("template source %s must not be compressed", src)
			}
			converted, err := jinja.Convert(string(entry.Data))
			if err != nil {
				return fmt.Errorf("template source %s: %w", src, err)
			}
			entry.Data = []byte(converted)
			entry.OriginalSize = int64(len(converted))
			entry.CompressedSize = entry.OriginalSize
			data.Files[target] = entry
		}
	}
	return nil
}

// renderModuleFiles emits one source file per referenced module, the
// shared permissions helper when needed, and the module index.
func (g *Generator) renderModuleFiles(files map[string][]byte, modules []string) error {
	needsPermissions := false
	for _, m := range modules {
		src, ok := moduleSources[m]
		if !ok {
			rendered, err := renderTemplate("custom-stub", customStubTemplate, map[string]string{"Name": m})
			if err != nil {
				return err
			}
			src = rendered
			g.log.Warnw("module has no native implementation, emitting failing stub", "module", m)
		}
		files["src/modules/"+m+".rs"] = []byte(src)
		if m == "file" || m == "copy" || m == "template" {
			needsPermissions = true
		}
	}

	indexModules := append([]string{}, modules...)
	if needsPermissions {
		files["src/modules/permissions.rs"] = []byte(permissionsSource)
		indexModules = append(indexModules, "permissions")
	}

	// The index dispatches over task modules only; helpers are declared
	// but not dispatchable.
	index, err := renderTemplate("mod-index", modIndexTemplate, struct {
		Modules []string
	}{Modules: modules})
	if err != nil {
		return err
	}
	if needsPermissions {
		index = strings.Replace(index, "pub async fn dispatch",
			"pub mod permissions;\n\npub async fn dispatch", 1)
	}
	files["src/modules/mod.rs"] = []byte(index)
	return nil
}

type embeddedFileView struct {
	Path       string
	DataB64    string
	Compressed bool
}

func renderEmbeddedData(data *embedder.EmbeddedData) ([]byte, error) {
	cfg, err := json.Marshal(data.RuntimeConfig)
	if err != nil {
		return nil, err
	}

	var views []embeddedFileView
	paths := make([]string, 0, len(data.Files))
	for p := range data.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		entry := data.Files[p]
		views = append(views, embeddedFileView{
			Path:       p,
			DataB64:    base64.StdEncoding.EncodeToString(entry.Data),
			Compressed: entry.Compressed,
		})
	}

	rendered, err := renderTemplate("embedded-data", embeddedDataTemplate, struct {
		PlanB64   string
		ConfigB64 string
		HasFiles  bool
		Files     []embeddedFileView
	}{
		PlanB64:   base64.StdEncoding.EncodeToString(data.PlanSlice),
		ConfigB64: base64.StdEncoding.EncodeToString(cfg),
		HasFiles:  len(views) > 0,
		Files:     views,
	})
	if err != nil {
		return nil, err
	}
	return []byte(rendered), nil
}

func renderManifest(group *planmodel.BinaryDeploymentGroup, target TargetInfo) (string, error) {
	has := func(m string) bool {
		for _, mod := range group.Modules {
			if mod == m {
				return true
			}
		}
		return false
	}

	return renderTemplate("manifest", manifestTemplate, struct {
		PackageName     string
		BinaryName      string
		Features        []string
		NeedsShellWords bool
		NeedsHandlebars bool
		NeedsFiletime   bool
		NeedsHashes     bool
		NeedsArchives   bool
	}{
		PackageName:     "rustle-deployment",
		BinaryName:      binaryName,
		Features:        target.Features,
		NeedsShellWords: has("command"),
		NeedsHandlebars: has("template"),
		NeedsFiletime:   has("file"),
		NeedsHashes:     has("stat") || has("unarchive"),
		NeedsArchives:   has("archive") || has("unarchive"),
	})
}

func renderBuildScript(cross arch.CrossCompileInfo) (string, error) {
	type kv struct{ Key, Value string }
	var env []kv
	for _, linker := range cross.LinkerRequirements {
		env = append(env, kv{Key: "RUSTLE_LINKER", Value: linker})
	}
	return renderTemplate("build-script", buildScriptTemplate, struct {
		LinkerEnv []kv
		LinkArgs  []string
	}{LinkerEnv: env})
}

func compilationFlags(target TargetInfo) []string {
	flags := []string{"--target", target.Triple}
	if target.OptimizationLevel != "debug" {
		flags = append(flags, "--release")
	}
	for _, f := range target.Features {
		flags = append(flags, "--features", f)
	}
	return flags
}

func estimateBinarySize(modules []string, data *embedder.EmbeddedData) int64 {
	size := int64(baseBinarySize)
	size += int64(len(modules)) * perModuleBinarySize
	size += int64(len(data.PlanSlice))
	for _, f := range data.Files {
		size += f.CompressedSize
	}
	return size
}

// computeCacheKey hashes everything that can affect the produced binary:
// every (path, content) pair in path order, the target info, and the
// compilation flags. Identical inputs always produce identical keys.
func computeCacheKey(tpl *GeneratedTemplate) (string, error) {
	h := sha256.New()

	paths := make([]string, 0, len(tpl.Files))
	for p := range tpl.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
		h.Write(tpl.Files[p])
		h.Write([]byte{0})
	}

	target, err := json.Marshal(tpl.Target)
	if err != nil {
		return "", err
	}
	h.Write(target)

	flags, err := json.Marshal(tpl.CompilationFlags)
	if err != nil {
		return "", err
	}
	h.Write(flags)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func renderTemplate(name, text string, data interface{}) (string, error) {
	t, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("templategen: parsing %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templategen: rendering %s template: %w", name, err)
	}
	return buf.String(), nil
}
