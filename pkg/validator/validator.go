// Package validator implements layered plan validation: schema, version,
// counter consistency, host consistency, task identifiers, handler
// references, dependency acyclicity, binary-group references, and planning
// options. Layers run in declared order and the first failure
// short-circuits.
package validator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/iepathos/rustle-deploy/pkg/arch"
	"github.com/iepathos/rustle-deploy/pkg/planmodel"
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
)

// DefaultMinVersion and DefaultMaxVersion bound the supported
// metadata.rustle_deploy_version range.
const (
	DefaultMinVersion = "0.1.0"
	DefaultMaxVersion = "1.0.0"
)

// Validator runs the nine validation layers against an ExecutionPlan.
type Validator struct {
	MinVersion *semver.Version
	MaxVersion *semver.Version
}

// New builds a Validator bound to the default supported version range.
func New() (*Validator, error) {
	return NewWithRange(DefaultMinVersion, DefaultMaxVersion)
}

// NewWithRange builds a Validator bound to an explicit [min, max] version
// range.
func NewWithRange(min, max string) (*Validator, error) {
	minV, err := semver.NewVersion(min)
	if err != nil {
		return nil, fmt.Errorf("validator: invalid min version %q: %w", min, err)
	}
	maxV, err := semver.NewVersion(max)
	if err != nil {
		return nil, fmt.Errorf("validator: invalid max version %q: %w", max, err)
	}
	return &Validator{MinVersion: minV, MaxVersion: maxV}, nil
}

// Validate runs every layer in order, stopping at the first failure.
func (v *Validator) Validate(plan *planmodel.ExecutionPlan) error {
	layers := []func(*planmodel.ExecutionPlan) error{
		v.validateSchema,
		v.validateVersion,
		v.validateCounters,
		v.validateHostConsistency,
		v.validateTaskIdentifiers,
		v.validateHandlerReferences,
		v.validateDependencyAcyclicity,
		v.ValidateBinaryGroups,
		v.ValidatePlanningOptions,
	}

	for _, layer := range layers {
		if err := layer(plan); err != nil {
			return err
		}
	}
	return nil
}

// validateSchema is layer 1, the structural contract. Input JSON has
// already been unmarshalled via encoding/json, which enforces types, so
// this layer asserts what decoding alone can't: every play/batch/task
// carries a non-empty identifier and every task names a module. Problems
// are collected as JSON-pointer paths and reported together.
func (v *Validator) validateSchema(plan *planmodel.ExecutionPlan) error {
	var problems []string

	if plan.Metadata.RustleDeployVersion == "" {
		problems = append(problems, "/metadata/rustle_deploy_version: required field missing")
	}

	for pi, play := range plan.Plays {
		if play.ID == "" {
			problems = append(problems, fmt.Sprintf("/plays/%d/play_id: required field missing", pi))
		}
		for bi, batch := range play.Batches {
			if batch.ID == "" {
				problems = append(problems, fmt.Sprintf("/plays/%d/batches/%d/batch_id: required field missing", pi, bi))
			}
			for ti, task := range batch.Tasks {
				if task.ID == "" {
					problems = append(problems, fmt.Sprintf("/plays/%d/batches/%d/tasks/%d/task_id: required field missing", pi, bi, ti))
				}
				if task.Module == "" {
					problems = append(problems, fmt.Sprintf("/plays/%d/batches/%d/tasks/%d/module: required field missing", pi, bi, ti))
				}
			}
		}
	}

	if len(problems) > 0 {
		return rderrors.NewSchemaError(strings.Join(problems, "; "))
	}
	return nil
}

// validateVersion is layer 2.
func (v *Validator) validateVersion(plan *planmodel.ExecutionPlan) error {
	parsed, err := semver.NewVersion(plan.Metadata.RustleDeployVersion)
	if err != nil {
		return rderrors.NewSemanticError("metadata.rustle_deploy_version", fmt.Sprintf("invalid version format: %v", err))
	}

	if parsed.LessThan(v.MinVersion) {
		return rderrors.NewSemanticError("metadata.rustle_deploy_version",
			fmt.Sprintf("version %s is too old, minimum supported: %s", parsed, v.MinVersion))
	}
	if parsed.GreaterThan(v.MaxVersion) {
		return rderrors.NewSemanticError("metadata.rustle_deploy_version",
			fmt.Sprintf("version %s is too new, maximum supported: %s", parsed, v.MaxVersion))
	}
	return nil
}

// validateCounters is layer 3: total_tasks must equal the sum of tasks
// across all plays and batches.
func (v *Validator) validateCounters(plan *planmodel.ExecutionPlan) error {
	actual := 0
	for _, play := range plan.Plays {
		for _, batch := range play.Batches {
			actual += len(batch.Tasks)
		}
	}
	if actual != plan.TotalTasks {
		return rderrors.NewSemanticError("total_tasks",
			fmt.Sprintf("total tasks count %d doesn't match actual tasks %d", plan.TotalTasks, actual))
	}
	return nil
}

// validateHostConsistency is layer 4.
func (v *Validator) validateHostConsistency(plan *planmodel.ExecutionPlan) error {
	globalHosts := toSet(plan.Hosts)

	for pi, play := range plan.Plays {
		for _, h := range play.Hosts {
			if !globalHosts[h] {
				return rderrors.NewSemanticError(fmt.Sprintf("plays[%d].hosts", pi),
					fmt.Sprintf("host %q not found in global hosts list", h))
			}
		}
		playHosts := toSet(play.Hosts)

		for bi, batch := range play.Batches {
			for _, h := range batch.Hosts {
				if !playHosts[h] {
					return rderrors.NewSemanticError(fmt.Sprintf("plays[%d].batches[%d].hosts", pi, bi),
						fmt.Sprintf("batch host %q not found in play hosts", h))
				}
			}
			batchHosts := toSet(batch.Hosts)

			for ti, task := range batch.Tasks {
				for _, h := range task.Hosts {
					if !batchHosts[h] {
						return rderrors.NewSemanticError(fmt.Sprintf("plays[%d].batches[%d].tasks[%d].hosts", pi, bi, ti),
							fmt.Sprintf("task host %q not found in batch hosts", h))
					}
				}
			}
		}
	}
	return nil
}

// validateTaskIdentifiers is layer 5: duplicate identifiers and dangling
// dependency references both fail.
func (v *Validator) validateTaskIdentifiers(plan *planmodel.ExecutionPlan) error {
	allIDs := make(map[string]bool)

	for _, play := range plan.Plays {
		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				if allIDs[task.ID] {
					return rderrors.NewReferenceError(task.ID, "duplicate task ID found")
				}
				allIDs[task.ID] = true
			}
		}
	}

	for _, play := range plan.Plays {
		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				for _, dep := range task.Dependencies {
					if !allIDs[dep] {
						return rderrors.NewReferenceError(dep,
							fmt.Sprintf("task dependency not found for task %q", task.ID))
					}
				}
			}
		}
	}
	return nil
}

// validateHandlerReferences is layer 6.
func (v *Validator) validateHandlerReferences(plan *planmodel.ExecutionPlan) error {
	for _, play := range plan.Plays {
		handlerNames := make(map[string]bool, len(play.Handlers))
		for _, h := range play.Handlers {
			handlerNames[h.Name] = true
		}

		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				for _, notify := range task.Notify {
					if !handlerNames[notify] {
						return rderrors.NewReferenceError(notify,
							fmt.Sprintf("handler referenced by task %q not found in play %q", task.ID, play.ID))
					}
				}
			}
		}
	}
	return nil
}

// validateDependencyAcyclicity is layer 7: a Kahn's-algorithm topological
// sort over the task-dependency graph; if fewer nodes are processed than
// exist, a cycle is present.
func (v *Validator) validateDependencyAcyclicity(plan *planmodel.ExecutionPlan) error {
	deps := make(map[string][]string)
	inDegree := make(map[string]int)

	for _, play := range plan.Plays {
		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				deps[task.ID] = task.Dependencies
				inDegree[task.ID] = len(task.Dependencies)
			}
		}
	}

	// dependents[x] = tasks that depend on x, used to decrement in-degree
	// as x is processed.
	dependents := make(map[string][]string)
	for id, ds := range deps {
		for _, d := range ds {
			dependents[d] = append(dependents[d], id)
		}
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // deterministic order; result is order-independent

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed != len(deps) {
		return rderrors.NewSemanticError("task_dependencies", "Circular dependency detected in task graph")
	}
	return nil
}

// ValidateBinaryGroups is layer 8: every pre-existing BinaryDeploymentGroup
// must reference real tasks, real hosts, and a valid target triple.
func (v *Validator) ValidateBinaryGroups(plan *planmodel.ExecutionPlan) error {
	taskIDs := make(map[string]bool)
	for _, play := range plan.Plays {
		for _, batch := range play.Batches {
			for _, task := range batch.Tasks {
				taskIDs[task.ID] = true
			}
		}
	}
	hosts := toSet(plan.Hosts)

	for gi, group := range plan.BinaryDeployments {
		for _, taskID := range group.TaskIDs {
			if !taskIDs[taskID] {
				return rderrors.NewReferenceError(taskID,
					fmt.Sprintf("binary_deployments[%d] references unknown task", gi))
			}
		}
		for _, h := range group.TargetHosts {
			if !hosts[h] {
				return rderrors.NewReferenceError(h,
					fmt.Sprintf("binary_deployments[%d] references unknown host", gi))
			}
		}
		if !arch.Validate(group.TargetTriple) {
			return rderrors.NewSemanticError(fmt.Sprintf("binary_deployments[%d].target_triple", gi),
				fmt.Sprintf("invalid target triple: %s", group.TargetTriple))
		}
	}
	return nil
}

// ValidatePlanningOptions is layer 9.
func (v *Validator) ValidatePlanningOptions(plan *planmodel.ExecutionPlan) error {
	opts := plan.Metadata.PlanningOptions

	if opts.Forks < 1 || opts.Forks > 1000 {
		return rderrors.NewSemanticError("metadata.planning_options.forks",
			fmt.Sprintf("forks must be in range [1, 1000], got %d", opts.Forks))
	}
	if opts.BinaryThreshold < 1 || opts.BinaryThreshold > 1000 {
		return rderrors.NewSemanticError("metadata.planning_options.binary_threshold",
			fmt.Sprintf("binary_threshold must be in range [1, 1000], got %d", opts.BinaryThreshold))
	}
	if opts.ForceBinary && opts.ForceSsh {
		return rderrors.NewSemanticError("metadata.planning_options",
			"force_binary and force_ssh are mutually exclusive")
	}
	return nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
