//go:build (!amd64 && !386 && !arm64) || noasm

package spin

// cpuPause is a no-op on architectures without a spin-wait hint, or when
// assembly is disabled via the noasm build tag.
//
//go:nosplit
func cpuPause() {}
