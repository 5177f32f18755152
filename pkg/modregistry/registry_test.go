package modregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_BuiltIns(t *testing.T) {
	r := New()

	cases := []struct {
		module  string
		verdict Verdict
	}{
		{"debug", FullyCompatible},
		{"copy", FullyCompatible},
		{"template", FullyCompatible},
		{"file", FullyCompatible},
		{"command", PartiallyCompatible},
		{"shell", PartiallyCompatible},
		{"package", PartiallyCompatible},
		{"service", PartiallyCompatible},
		{"user", Incompatible},
		{"mount", Incompatible},
	}

	for _, c := range cases {
		got := r.Check(c.module)
		assert.Equalf(t, c.verdict, got.Verdict, "module %s", c.module)
	}
}

func TestCheck_UnknownModuleDefaultsToPartial(t *testing.T) {
	r := New()
	got := r.Check("some_unlisted_module")
	assert.Equal(t, PartiallyCompatible, got.Verdict)
	assert.Equal(t, []string{"Unknown module compatibility"}, got.Limitations)
}

func TestCheck_NeverFails(t *testing.T) {
	r := New()
	assert.NotPanics(t, func() {
		r.Check("")
	})
}
