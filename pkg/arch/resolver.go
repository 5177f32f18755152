// Package arch canonicalises and validates target triples and describes
// what cross-compiling to each of them requires from the build host:
// linker packages, system libraries, and an advisory toolchain image.
package arch

import (
	"fmt"
	"runtime"
	"strings"
)

var validArchs = map[string]bool{
	"x86_64": true, "i686": true, "aarch64": true, "arm": true,
	"armv7": true, "armv6": true, "mips": true, "mips64": true,
	"powerpc": true, "powerpc64": true, "riscv64": true, "s390x": true,
}

var validVendors = map[string]bool{
	"unknown": true, "pc": true, "apple": true, "linux": true,
}

var validOSPatterns = []string{
	"linux-gnu", "linux-musl", "darwin", "windows-msvc", "windows-gnu",
	"freebsd", "netbsd", "openbsd",
}

// normalisationTable maps common shorthand triples to their canonical
// form. Substitution runs before validation.
var normalisationTable = map[string]string{
	"x86_64-linux-gnu":  "x86_64-unknown-linux-gnu",
	"arm64-apple-darwin": "aarch64-apple-darwin",
	"x86_64-windows":    "x86_64-pc-windows-msvc",
}

// CrossCompileInfo is the result of Requirements.
type CrossCompileInfo struct {
	Triple              string
	RequiresCross       bool
	LinkerRequirements  []string
	SystemDependencies  []string
	Image               string // empty if no advisory image is known
}

// Resolver validates, normalises, and describes compilation targets.
type Resolver struct {
	// localTriple is the compile-time host triple, overridable in tests.
	localTriple string
}

// New builds a Resolver whose local architecture is detected from the Go
// runtime's compile-time constants.
func New() *Resolver {
	return &Resolver{localTriple: DetectLocal()}
}

// DetectLocal maps runtime.GOARCH/GOOS to a <arch>-<os_family> triple,
// falling back to "unknown-unknown" when either one is not recognised.
func DetectLocal() string {
	var a string
	switch runtime.GOARCH {
	case "amd64":
		a = "x86_64"
	case "arm64":
		a = "aarch64"
	case "arm":
		a = "arm"
	case "386":
		a = "i686"
	case "riscv64":
		a = "riscv64"
	case "ppc64":
		a = "powerpc64"
	case "s390x":
		a = "s390x"
	default:
		a = "unknown"
	}

	var o string
	switch runtime.GOOS {
	case "linux":
		o = "linux"
	case "darwin":
		o = "darwin"
	case "windows":
		o = "windows"
	case "freebsd":
		o = "freebsd"
	case "netbsd":
		o = "netbsd"
	case "openbsd":
		o = "openbsd"
	default:
		o = "unknown"
	}

	if a == "unknown" || o == "unknown" {
		return "unknown-unknown"
	}
	return a + "-" + o
}

// Validate reports whether triple matches the arch-vendor-os[-env]
// grammar and the recognised component sets.
func Validate(triple string) bool {
	parts := strings.Split(triple, "-")
	if len(parts) < 3 {
		return false
	}

	if !validArchs[parts[0]] {
		return false
	}
	if !validVendors[parts[1]] {
		return false
	}

	osString := strings.Join(parts[2:], "-")
	for _, pattern := range validOSPatterns {
		if strings.Contains(osString, pattern) {
			return true
		}
	}
	return false
}

// Normalise applies the canonicalisation table and then validates the
// result.
func Normalise(triple string) (string, error) {
	normalised := triple
	if mapped, ok := normalisationTable[triple]; ok {
		normalised = mapped
	}

	if !Validate(normalised) {
		return "", fmt.Errorf("invalid target triple: %s", triple)
	}
	return normalised, nil
}

// Requirements describes cross-compilation requirements for triple.
func (r *Resolver) Requirements(triple string) (CrossCompileInfo, error) {
	normalised, err := Normalise(triple)
	if err != nil {
		return CrossCompileInfo{}, err
	}

	parts := strings.Split(normalised, "-")
	targetArch := parts[0]
	osEnv := strings.Join(parts[2:], "-")

	return CrossCompileInfo{
		Triple:             normalised,
		RequiresCross:      r.requiresCross(targetArch, osEnv),
		LinkerRequirements: linkerRequirements(targetArch, osEnv),
		SystemDependencies: systemDependencies(targetArch, osEnv),
		Image:              dockerImage(targetArch, osEnv),
	}, nil
}

func (r *Resolver) requiresCross(targetArch, targetOSEnv string) bool {
	local := r.localTriple
	if local == "" {
		local = DetectLocal()
	}
	localArch, localOS, _ := strings.Cut(local, "-")
	if localArch != targetArch {
		return true
	}

	family, env, _ := strings.Cut(targetOSEnv, "-")
	if localOS != family {
		return true
	}
	// The local toolchain targets the platform's default environment;
	// any other env suffix (musl on a glibc host, gnu on an msvc host)
	// still needs a cross toolchain even when arch and OS match.
	return env != "" && env != defaultEnv(family)
}

// defaultEnv is the environment a native toolchain produces for an OS
// family; OS families without env variants return "".
func defaultEnv(osFamily string) string {
	switch osFamily {
	case "linux":
		return "gnu"
	case "windows":
		return "msvc"
	default:
		return ""
	}
}

func linkerRequirements(arch, osEnv string) []string {
	switch {
	case arch == "aarch64" && strings.Contains(osEnv, "linux"):
		return []string{"gcc-aarch64-linux-gnu"}
	case arch == "arm" && strings.Contains(osEnv, "linux"):
		return []string{"gcc-arm-linux-gnueabihf"}
	case arch == "x86_64" && strings.Contains(osEnv, "windows"):
		return []string{"mingw-w64"}
	default:
		return nil
	}
}

func systemDependencies(arch, osEnv string) []string {
	var deps []string
	if strings.Contains(osEnv, "linux") && arch != "x86_64" {
		deps = append(deps, fmt.Sprintf("libc6-dev-%s-cross", arch))
	}
	if strings.Contains(osEnv, "musl") {
		deps = append(deps, "musl-tools")
	}
	return deps
}

func dockerImage(arch, osEnv string) string {
	switch {
	case arch == "x86_64" && strings.Contains(osEnv, "linux-gnu"):
		return "rust:latest"
	case arch == "aarch64" && strings.Contains(osEnv, "linux-gnu"):
		return "rustembedded/cross:aarch64-unknown-linux-gnu"
	case arch == "arm" && strings.Contains(osEnv, "linux-gnueabihf"):
		return "rustembedded/cross:arm-unknown-linux-gnueabihf"
	default:
		return ""
	}
}
