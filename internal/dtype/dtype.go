// Package dtype gives the compiler's three floating dtype tags (f16,
// bf16, f32) a real numeric meaning for the reference CPU executor's
// parity checks (spec.md §8), without the core itself executing any
// generated kernel (spec.md §1's "does not execute the generated
// kernels" binds the emitted GPU source, not this validation-only
// helper).
package dtype

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// RoundTripF16 truncates f32 through an IEEE754 binary16 representation
// and back, modeling the precision loss a real f16 kernel would incur.
// internal/cpuref's tests exercise it; the cpuref executor itself
// computes in f32 only.
func RoundTripF16(f32 float32) float32 {
	return float16.Fromfloat32(f32).Float32()
}

// RoundTripBF16 truncates f32 through the bfloat16 wire encoding and
// back, by round-tripping through go-bfloat16's byte codec the same
// way a loader converts a stored bf16 tensor to f32.
func RoundTripBF16(f32 float32) float32 {
	encoded := bfloat16.EncodeFloat32([]float32{f32})
	return bfloat16.DecodeFloat32(encoded)[0]
}
