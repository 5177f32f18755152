// Package planmodel is the typed in-memory representation of the execution
// plan produced upstream and consumed by this pipeline.
//
// Every wire field gets an explicit JSON tag rather than relying on Go's
// default capitalization-based marshaling, so the wire contract is pinned
// independently of Go identifier names.
package planmodel

import "time"

// Strategy is the planner-selected execution strategy tag.
type Strategy string

const (
	StrategyLinear       Strategy = "linear"
	StrategyFree         Strategy = "free"
	StrategyBinaryHybrid Strategy = "binary_hybrid"
	StrategyBinaryOnly   Strategy = "binary_only"
	StrategySshOnly      Strategy = "ssh_only"
)

// RiskLevel is the planner-assigned risk tag controlling retry/failure
// policy. Retry counts derived from it are advisory; module-declared
// idempotency takes precedence at execution time.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ConditionKind discriminates the variants of a task's conditional
// expression list: when-expressions, tag filters, host restrictions, and
// skip-expressions.
type ConditionKind string

const (
	ConditionWhen         ConditionKind = "when"
	ConditionTag          ConditionKind = "tag"
	ConditionOnlyOnHosts  ConditionKind = "only_on_hosts"
	ConditionSkip         ConditionKind = "skip"
)

// Condition is a single conditional-expression variant attached to a task.
type Condition struct {
	Type       ConditionKind `json:"type"`
	Expression string        `json:"expression,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	Hosts      []string      `json:"hosts,omitempty"`
}

// PlanningOptions carries the planner-time knobs.
type PlanningOptions struct {
	Forks           int      `json:"forks"`
	BinaryThreshold int      `json:"binary_threshold"`
	Strategy        Strategy `json:"strategy"`
	ForceBinary     bool     `json:"force_binary"`
	ForceSsh        bool     `json:"force_ssh"`
	Tags            []string `json:"tags,omitempty"`
	SkipTags        []string `json:"skip_tags,omitempty"`
	Check           bool     `json:"check"`
	Diff            bool     `json:"diff"`
}

// Metadata describes plan provenance and is validated against the
// supported planner version range.
type Metadata struct {
	CreatedAt           string          `json:"created_at"`
	RustleDeployVersion string          `json:"rustle_deploy_version"`
	PlaybookHash        string          `json:"playbook_hash"`
	InventoryHash       string          `json:"inventory_hash"`
	PlanningOptions     PlanningOptions `json:"planning_options"`
}

// Handler is a deferred task triggered by a notify reference.
type Handler struct {
	Name   string                 `json:"name"`
	Module string                 `json:"module"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Task is a single module invocation with concrete arguments on a host
// subset.
type Task struct {
	ID                 string                 `json:"task_id"`
	Name               string                 `json:"name"`
	Module             string                 `json:"module"`
	Args               map[string]interface{} `json:"args"`
	Hosts              []string               `json:"hosts"`
	Dependencies       []string               `json:"dependencies,omitempty"`
	Conditions         []Condition            `json:"conditions,omitempty"`
	Tags               []string               `json:"tags,omitempty"`
	Notify             []string               `json:"notify,omitempty"`
	Order              int                    `json:"order"`
	CanRunParallel     bool                   `json:"can_run_parallel"`
	EstimatedDuration  Duration               `json:"estimated_duration"`
	RiskLevel          RiskLevel              `json:"risk_level"`
}

// Batch owns an ordered sequence of tasks.
type Batch struct {
	ID    string   `json:"batch_id"`
	Hosts []string `json:"hosts"`
	Tasks []Task   `json:"tasks"`
}

// Play owns ordered batches and a list of handlers.
type Play struct {
	ID       string    `json:"play_id"`
	Name     string    `json:"name"`
	Strategy Strategy  `json:"strategy"`
	Hosts    []string  `json:"hosts"`
	Batches  []Batch   `json:"batches"`
	Handlers []Handler `json:"handlers,omitempty"`
}

// StaticFileRef is a source-path -> embedded-target-path mapping extracted
// from task arguments by the BinaryAnalyzer and realised by the
// DataEmbedder.
type StaticFileRef struct {
	SourcePath string `json:"source_path"`
	TargetPath string `json:"target_path"`
	Compress   bool   `json:"compress"`
}

// SecretRef names a secret the runtime must resolve into an environment
// variable when the produced binary is invoked.
type SecretRef struct {
	Name         string `json:"name"`
	TargetEnvVar string `json:"target_env_var"`
}

// CompilationRequirements is the compile-time configuration a
// BinaryDeploymentGroup asks the Compiler to honour.
type CompilationRequirements struct {
	TargetTriple      string   `json:"target_triple"`
	OptimizationLevel string   `json:"optimization_level"`
	Features          []string `json:"features,omitempty"`
}

// DeploymentConfig carries the runtime configuration embedded into a
// produced binary.
type DeploymentConfig struct {
	ExecutionTimeout    Duration `json:"execution_timeout"`
	ReportInterval      Duration `json:"report_interval"`
	LogLevel            string   `json:"log_level"`
	MaxRetries          int      `json:"max_retries"`
	CleanupOnCompletion bool     `json:"cleanup_on_completion"`
}

// DefaultDeploymentConfig returns the runtime defaults: 300s execution
// timeout, 30s report interval, info logging, 3 retries, cleanup enabled.
func DefaultDeploymentConfig() DeploymentConfig {
	return DeploymentConfig{
		ExecutionTimeout:    FromStd(300 * time.Second),
		ReportInterval:      FromStd(30 * time.Second),
		LogLevel:            "info",
		MaxRetries:          3,
		CleanupOnCompletion: true,
	}
}

// BinaryDeploymentGroup is a cohort of tasks sharing a target architecture
// and passing the binary-worthwhile threshold.
type BinaryDeploymentGroup struct {
	ID                      string                  `json:"deployment_id"`
	TaskIDs                 []string                `json:"task_ids"`
	TargetHosts             []string                `json:"target_hosts"`
	TargetTriple            string                  `json:"target_triple"`
	Modules                 []string                `json:"modules"`
	StaticFiles             []StaticFileRef         `json:"static_files,omitempty"`
	Secrets                 []SecretRef             `json:"secrets,omitempty"`
	EstimatedSize           int64                   `json:"estimated_size"`
	EstimatedSavings        Duration                `json:"estimated_savings"`
	CompilationRequirements CompilationRequirements `json:"compilation_requirements"`
	DeploymentConfig        DeploymentConfig        `json:"deployment_config"`
}

// ExecutionPlan is the root input document.
type ExecutionPlan struct {
	Metadata          Metadata                `json:"metadata"`
	Plays             []Play                  `json:"plays"`
	BinaryDeployments []BinaryDeploymentGroup `json:"binary_deployments"`
	Hosts             []string                `json:"hosts"`
	TotalTasks        int                     `json:"total_tasks"`
}

// AllTasks returns every task across every play and batch, in plan order.
func (p *ExecutionPlan) AllTasks() []Task {
	tasks := make([]Task, 0, p.TotalTasks)
	for _, play := range p.Plays {
		for _, batch := range play.Batches {
			tasks = append(tasks, batch.Tasks...)
		}
	}
	return tasks
}

// TaskByID looks up a task anywhere in the plan by its identifier.
func (p *ExecutionPlan) TaskByID(id string) (Task, bool) {
	for _, play := range p.Plays {
		for _, batch := range play.Batches {
			for _, t := range batch.Tasks {
				if t.ID == id {
					return t, true
				}
			}
		}
	}
	return Task{}, false
}
