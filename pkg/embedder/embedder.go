// Package embedder assembles the data island compiled into a deployment
// binary: the serialised execution-plan slice the binary will execute, the
// static files its tasks reference, the runtime configuration, and the
// opaque secrets block. Missing static files are logged and skipped, never
// fatal, so a plan referencing files produced by earlier tasks still
// compiles.
package embedder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/mholt/archiver/v3"

	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rdlog"
)

// inlineContentPrefix marks synthetic references whose bytes come from a
// task's "content" argument instead of the filesystem.
const inlineContentPrefix = "inline-content-"

// EmbeddedFile is one entry in the island's path -> bytes mapping.
type EmbeddedFile struct {
	Data           []byte `json:"data"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	Compressed     bool   `json:"compressed"`
}

// EmbeddedData is everything baked into a produced binary besides code.
type EmbeddedData struct {
	PlanSlice     json.RawMessage            `json:"execution_plan"`
	Files         map[string]EmbeddedFile    `json:"static_files"`
	RuntimeConfig planmodel.DeploymentConfig `json:"runtime_config"`
	Secrets       []byte                     `json:"secrets,omitempty"`
	FactsCache    json.RawMessage            `json:"facts_cache,omitempty"`
}

// Embedder populates EmbeddedData for deployment groups.
type Embedder struct {
	enc *zstd.Encoder
	log *rdlog.Logger
}

// New builds an Embedder with a shared zstd encoder at the default level.
func New() (*Embedder, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("embedder: initialising zstd encoder: %w", err)
	}
	return &Embedder{enc: enc, log: rdlog.Get().With("component", "embedder")}, nil
}

// Embed builds the island for group out of plan.
func (e *Embedder) Embed(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup) (*EmbeddedData, error) {
	slice, err := e.planSlice(plan, group)
	if err != nil {
		return nil, err
	}

	files := make(map[string]EmbeddedFile)
	for _, ref := range group.StaticFiles {
		data, ok := e.loadReference(plan, group, ref)
		if !ok {
			continue
		}
		files[ref.TargetPath] = e.buildEntry(data, ref.Compress)
	}

	return &EmbeddedData{
		PlanSlice:     slice,
		Files:         files,
		RuntimeConfig: runtimeConfig(group),
		Secrets:       secretsBlock(group),
	}, nil
}

// planSlice serialises the subset of plan covering the group's tasks, with
// batches and plays that end up empty dropped and counters recomputed.
func (e *Embedder) planSlice(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup) (json.RawMessage, error) {
	member := make(map[string]bool, len(group.TaskIDs))
	for _, id := range group.TaskIDs {
		member[id] = true
	}

	sliced := planmodel.ExecutionPlan{
		Metadata:          plan.Metadata,
		Hosts:             group.TargetHosts,
		BinaryDeployments: []planmodel.BinaryDeploymentGroup{},
	}

	total := 0
	for _, play := range plan.Plays {
		var batches []planmodel.Batch
		for _, batch := range play.Batches {
			var tasks []planmodel.Task
			for _, task := range batch.Tasks {
				if member[task.ID] {
					tasks = append(tasks, task)
				}
			}
			if len(tasks) > 0 {
				b := batch
				b.Tasks = tasks
				batches = append(batches, b)
				total += len(tasks)
			}
		}
		if len(batches) > 0 {
			p := play
			p.Batches = batches
			sliced.Plays = append(sliced.Plays, p)
		}
	}
	sliced.TotalTasks = total

	out, err := json.Marshal(&sliced)
	if err != nil {
		return nil, fmt.Errorf("embedder: serialising plan slice for group %s: %w", group.ID, err)
	}
	return out, nil
}

// loadReference resolves a static-file reference to raw bytes. Inline
// references read the owning task's content argument; filesystem
// references read the source path, with directories packed as a tar.gz.
// Unresolvable references are skipped with a warning.
func (e *Embedder) loadReference(plan *planmodel.ExecutionPlan, group *planmodel.BinaryDeploymentGroup, ref planmodel.StaticFileRef) ([]byte, bool) {
	if strings.HasPrefix(ref.SourcePath, inlineContentPrefix) {
		taskID := strings.TrimPrefix(ref.SourcePath, inlineContentPrefix)
		task, ok := plan.TaskByID(taskID)
		if !ok {
			e.log.Warnw("inline content reference has no owning task", "reference", ref.SourcePath)
			return nil, false
		}
		content, ok := task.Args["content"].(string)
		if !ok {
			e.log.Warnw("inline content reference has no content argument", "task_id", taskID)
			return nil, false
		}
		return []byte(content), true
	}

	info, err := os.Stat(ref.SourcePath)
	if err != nil {
		e.log.Warnw("static file not readable, skipping",
			"source", ref.SourcePath, "group", group.ID, "error", err)
		return nil, false
	}

	if info.IsDir() {
		data, err := e.archiveDirectory(ref.SourcePath)
		if err != nil {
			e.log.Warnw("directory source could not be archived, skipping",
				"source", ref.SourcePath, "error", err)
			return nil, false
		}
		return data, true
	}

	data, err := os.ReadFile(ref.SourcePath)
	if err != nil {
		e.log.Warnw("static file not readable, skipping",
			"source", ref.SourcePath, "group", group.ID, "error", err)
		return nil, false
	}
	return data, true
}

// archiveDirectory packs a directory source into a tar.gz held in memory.
func (e *Embedder) archiveDirectory(dir string) ([]byte, error) {
	tmp, err := os.MkdirTemp("", "rustle-embed-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)

	dest := filepath.Join(tmp, filepath.Base(dir)+".tar.gz")
	if err := archiver.NewTarGz().Archive([]string{dir}, dest); err != nil {
		return nil, err
	}
	return os.ReadFile(dest)
}

func (e *Embedder) buildEntry(data []byte, compress bool) EmbeddedFile {
	entry := EmbeddedFile{
		Data:           data,
		OriginalSize:   int64(len(data)),
		CompressedSize: int64(len(data)),
	}
	if compress {
		compressed := e.enc.EncodeAll(data, nil)
		entry.Data = compressed
		entry.CompressedSize = int64(len(compressed))
		entry.Compressed = true
	}
	return entry
}

// runtimeConfig fills an unset execution timeout, report interval, log
// level or retry count with the runtime default. CleanupOnCompletion is
// not defaulted: it is used exactly as the group sets it.
func runtimeConfig(group *planmodel.BinaryDeploymentGroup) planmodel.DeploymentConfig {
	cfg := group.DeploymentConfig
	defaults := planmodel.DefaultDeploymentConfig()

	if cfg.ExecutionTimeout.ToStd() == 0 {
		cfg.ExecutionTimeout = defaults.ExecutionTimeout
	}
	if cfg.ReportInterval.ToStd() == 0 {
		cfg.ReportInterval = defaults.ReportInterval
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	return cfg
}

// secretsBlock serialises the group's secret references. The block is
// opaque here; resolution against a secret store is the runtime's concern.
func secretsBlock(group *planmodel.BinaryDeploymentGroup) []byte {
	if len(group.Secrets) == 0 {
		return nil
	}
	out, err := json.Marshal(group.Secrets)
	if err != nil {
		return nil
	}
	return out
}
