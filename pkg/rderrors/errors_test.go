package rderrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Messages(t *testing.T) {
	schemaErr := NewSchemaError("/plays/0/tasks/1: missing field 'module'")
	assert.Contains(t, schemaErr.Error(), "schema validation failed")

	semErr := NewSemanticError("total_tasks", "doesn't match actual tasks")
	assert.Contains(t, semErr.Error(), "total_tasks")

	refErr := NewReferenceError("task-x", "not found")
	assert.Contains(t, refErr.Error(), "task-x")
}

func TestTemplateError_Kinds(t *testing.T) {
	assert.Contains(t, MissingRequiredParameter("src").Error(), "src")
	assert.Contains(t, UnsupportedFeature("{% set x=1 %}").Error(), "Unsupported Jinja2 feature")
	assert.Contains(t, UnclosedBlock("if").Error(), "if")
}

func TestCompilationError_Unwrap(t *testing.T) {
	primary := errors.New("rustc not found")
	cerr := &CompilationError{Kind: CompilationErrPrimaryAndFallbackFailed, Primary: primary, Fallback: errors.New("zig not found")}
	assert.ErrorIs(t, cerr, primary)
	assert.Contains(t, cerr.Error(), "primary toolchain failed")
}

func TestPipelineError_Wrap(t *testing.T) {
	cause := errors.New("boom")
	perr := Wrap(PipelineErrCompilation, cause)
	assert.ErrorIs(t, perr, cause)
	assert.Equal(t, "Compilation", perr.Kind.String())

	assert.Equal(t, PipelineErrCancelled, Cancelled().Kind)
	assert.Equal(t, PipelineErrTimeout, Timeout().Kind)
}

func TestCacheError_Unwrap(t *testing.T) {
	reason := errors.New("disk full")
	cerr := &CacheError{Op: "put", Key: "abc123", Reason: reason}
	assert.ErrorIs(t, cerr, reason)
}
