package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.True(t, Validate("x86_64-unknown-linux-gnu"))
	assert.True(t, Validate("aarch64-apple-darwin"))
	assert.True(t, Validate("x86_64-pc-windows-msvc"))
	assert.False(t, Validate("bogus-arch-thing"))
	assert.False(t, Validate("x86_64-unknown")) // too few components
}

func TestNormalise_CanonicalisationTable(t *testing.T) {
	cases := map[string]string{
		"x86_64-linux-gnu":   "x86_64-unknown-linux-gnu",
		"arm64-apple-darwin": "aarch64-apple-darwin",
		"x86_64-windows":     "x86_64-pc-windows-msvc",
	}
	for in, want := range cases {
		got, err := Normalise(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, Validate(got))
	}
}

func TestNormalise_InvalidAfterNormalisation(t *testing.T) {
	_, err := Normalise("totally-bogus-triple")
	assert.Error(t, err)
}

func TestRequirements_NormalisedLinuxGnu(t *testing.T) {
	r := &Resolver{localTriple: "x86_64-linux"}
	info, err := r.Requirements("x86_64-linux-gnu")
	require.NoError(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", info.Triple)
	assert.False(t, info.RequiresCross)
	assert.Equal(t, "rust:latest", info.Image)
}

func TestRequirements_CrossCompileLinuxArm(t *testing.T) {
	r := &Resolver{localTriple: "x86_64-linux"}
	info, err := r.Requirements("aarch64-unknown-linux-gnu")
	require.NoError(t, err)
	assert.True(t, info.RequiresCross)
	assert.Contains(t, info.LinkerRequirements, "gcc-aarch64-linux-gnu")
	assert.Contains(t, info.SystemDependencies, "libc6-dev-aarch64-cross")
	assert.Equal(t, "rustembedded/cross:aarch64-unknown-linux-gnu", info.Image)
}

func TestRequirements_MuslAddsSystemDep(t *testing.T) {
	r := &Resolver{localTriple: "x86_64-linux"}
	info, err := r.Requirements("x86_64-unknown-linux-musl")
	require.NoError(t, err)
	assert.Contains(t, info.SystemDependencies, "musl-tools")
	// Same arch and OS family, but a glibc host still cross-compiles
	// for musl.
	assert.True(t, info.RequiresCross)
}

func TestRequirements_WindowsGnuCrossOnWindowsHost(t *testing.T) {
	r := &Resolver{localTriple: "x86_64-windows"}

	info, err := r.Requirements("x86_64-pc-windows-msvc")
	require.NoError(t, err)
	assert.False(t, info.RequiresCross)

	info, err = r.Requirements("x86_64-pc-windows-gnu")
	require.NoError(t, err)
	assert.True(t, info.RequiresCross)
}

func TestDetectLocal_NeverEmpty(t *testing.T) {
	assert.NotEmpty(t, DetectLocal())
}
