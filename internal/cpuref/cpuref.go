// Package cpuref is the reference f32 CPU executor that validates the
// numeric semantics embedded in the kernels internal/tileir emits. It
// is an external collaborator per spec.md §1/§5: the compiler core
// never calls it, it exists only so tests can check a generated
// kernel's declared numeric definition (silu, softmax with a
// subtract-max stabilizer, rmsnorm with rsqrt) against a known-good
// implementation.
package cpuref

import "math"

// Matrix is a dense row-major f32 matrix used only by this reference
// executor and its tests.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// NewMatrix allocates a zeroed rows x cols matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

func (m Matrix) At(i, j int) float32    { return m.Data[i*m.Cols+j] }
func (m Matrix) Set(i, j int, v float32) { m.Data[i*m.Cols+j] = v }

func (m Matrix) Row(i int) []float32 { return m.Data[i*m.Cols : (i+1)*m.Cols] }

// Matmul computes a @ b for rank-2 matrices, matching
// internal/graph's matmul shape rule [a.dims[0], b.dims[1]].
func Matmul(a, b Matrix) Matrix {
	if a.Cols != b.Rows {
		panic("cpuref.Matmul: inner dimension mismatch")
	}
	out := NewMatrix(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			av := a.At(i, k)
			if av == 0 {
				continue
			}
			for j := 0; j < b.Cols; j++ {
				out.Set(i, j, out.At(i, j)+av*b.At(k, j))
			}
		}
	}
	return out
}

// Add adds bias (length m.Cols) to every row of m, the reference
// definition of the matmul kernel's "add" epilogue.
func Add(m Matrix, bias []float32) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Set(i, j, m.At(i, j)+bias[j])
		}
	}
	return out
}

// SiLU applies x / (1 + exp(-x)) elementwise, the epilogue and
// standalone silu kernel's numeric definition (spec.md §4.9).
func SiLU(m Matrix) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i, v := range m.Data {
		out.Data[i] = v / (1 + float32(math.Exp(float64(-v))))
	}
	return out
}

// Softmax applies a row-wise softmax with the subtract-max stabilizer,
// matching bwpp_softmax_f16's reduction order.
func Softmax(m Matrix) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		maxv := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float32
		dst := out.Row(i)
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			dst[j] = e
			sum += e
		}
		if sum > 0 {
			for j := range dst {
				dst[j] /= sum
			}
		}
	}
	return out
}

// RMSNorm applies x * rsqrt(mean(x^2) + eps) * gamma (+ beta when
// non-nil), row-wise, matching bwpp_rmsnorm_f16.
func RMSNorm(m Matrix, gamma, beta []float32, eps float32) Matrix {
	out := NewMatrix(m.Rows, m.Cols)
	for i := 0; i < m.Rows; i++ {
		row := m.Row(i)
		var sumsq float32
		for _, v := range row {
			sumsq += v * v
		}
		inv := float32(1 / math.Sqrt(float64(sumsq)/float64(m.Cols)+float64(eps)))
		dst := out.Row(i)
		for j, v := range row {
			g := float32(1)
			if gamma != nil {
				g = gamma[j]
			}
			b := float32(0)
			if beta != nil {
				b = beta[j]
			}
			dst[j] = v*inv*g + b
		}
	}
	return out
}

// Transpose returns m^T.
func Transpose(m Matrix) Matrix {
	out := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			out.Set(j, i, m.At(i, j))
		}
	}
	return out
}

// Attention computes softmax(Q @ K^T) @ V, the fused pattern
// internal/attention recognizes.
func Attention(q, k, v Matrix) Matrix {
	scores := Matmul(q, Transpose(k))
	weights := Softmax(scores)
	return Matmul(weights, v)
}
