// Package tileir selects a tile-level kernel plan from a flat IR
// module and emits UTF-8 Metal-family kernel source carrying embedded
// `// bwpp.meta:`/`// bwpp.plan:` metadata comments. The kernel bodies
// are hand-written templates parameterized by tile size and epilogue
// flags, not synthesized from the tile IR in full generality: the tile
// IR exists to record the plan and feed metadata.
package tileir

import (
	"fmt"
	"strings"

	"bwpp/internal/graph"
	"bwpp/internal/ir"
)

type TileOpKind int

const (
	TileLoad TileOpKind = iota
	TileStore
	TileMatmul
	TileElementwise
	TileSoftmax
	TileAttention
)

func (k TileOpKind) String() string {
	switch k {
	case TileLoad:
		return "load"
	case TileStore:
		return "store"
	case TileMatmul:
		return "matmul"
	case TileElementwise:
		return "elementwise"
	case TileSoftmax:
		return "softmax"
	case TileAttention:
		return "attention"
	default:
		return "unknown"
	}
}

type MemSpace int

const (
	MemGlobal MemSpace = iota
	MemThreadgroup
	MemRegister
)

type Role int

const (
	RoleA Role = iota
	RoleB
	RoleC
)

type Epilogue int

const (
	EpilogueNone Epilogue = iota
	EpilogueAdd
	EpilogueSilu
	EpilogueAddSilu
)

// Tile is a fixed (M,N,K) tile or block shape.
type Tile struct{ M, N, K int }

// TileOp is one step of a tile kernel's plan.
type TileOp struct {
	Kind     TileOpKind
	Tile     Tile
	SrcMem   MemSpace
	DstMem   MemSpace
	Role     Role
	Epilogue Epilogue
}

// Kernel is a selected tile kernel: a block shape and an ordered plan.
type Kernel struct {
	Block Tile
	Ops   []TileOp
}

// Select chooses a matmul, attention, or no kernel family from m,
// mirroring the fixed (128,128,32) block / (16,16,16) tile plan.
func Select(m *ir.Module) *Kernel {
	if m.HasAttention {
		return lowerAttention()
	}
	return lowerMatmul(m)
}

func lowerMatmul(m *ir.Module) *Kernel {
	if !m.HasOp(graph.Matmul) {
		return nil
	}
	hasAdd := m.HasBiasAdd()
	hasSilu := m.HasOp(graph.SiLU)

	k := &Kernel{Block: Tile{128, 128, 32}}
	tile := Tile{16, 16, 16}
	k.Ops = append(k.Ops,
		TileOp{Kind: TileLoad, Tile: tile, SrcMem: MemGlobal, DstMem: MemThreadgroup, Role: RoleA},
		TileOp{Kind: TileLoad, Tile: tile, SrcMem: MemGlobal, DstMem: MemThreadgroup, Role: RoleB},
		TileOp{Kind: TileMatmul, Tile: tile, SrcMem: MemThreadgroup, DstMem: MemRegister, Role: RoleC},
	)
	if hasAdd || hasSilu {
		ep := EpilogueSilu
		switch {
		case hasAdd && hasSilu:
			ep = EpilogueAddSilu
		case hasAdd:
			ep = EpilogueAdd
		}
		k.Ops = append(k.Ops, TileOp{Kind: TileElementwise, Tile: tile, SrcMem: MemRegister, DstMem: MemRegister, Role: RoleC, Epilogue: ep})
	}
	k.Ops = append(k.Ops, TileOp{Kind: TileStore, Tile: tile, SrcMem: MemRegister, DstMem: MemGlobal, Role: RoleC})
	return k
}

func lowerAttention() *Kernel {
	tile := Tile{16, 16, 16}
	k := &Kernel{Block: Tile{128, 128, 32}}
	k.Ops = append(k.Ops,
		TileOp{Kind: TileLoad, Tile: tile, Role: RoleA, SrcMem: MemGlobal, DstMem: MemThreadgroup},    // Q
		TileOp{Kind: TileLoad, Tile: tile, Role: RoleB, SrcMem: MemGlobal, DstMem: MemThreadgroup},    // K
		TileOp{Kind: TileMatmul, Tile: tile, Role: RoleC, SrcMem: MemThreadgroup, DstMem: MemRegister}, // Q*K^T
		TileOp{Kind: TileSoftmax, Tile: tile, Role: RoleC, SrcMem: MemRegister, DstMem: MemRegister},
		TileOp{Kind: TileLoad, Tile: tile, Role: RoleB, SrcMem: MemGlobal, DstMem: MemThreadgroup},    // V
		TileOp{Kind: TileMatmul, Tile: tile, Role: RoleC, SrcMem: MemThreadgroup, DstMem: MemRegister}, // softmax(QK^T)*V
		TileOp{Kind: TileStore, Tile: tile, Role: RoleC, SrcMem: MemRegister, DstMem: MemGlobal},
	)
	return k
}

func findMatmul(k *Kernel) *TileOp {
	if k == nil {
		return nil
	}
	for i := range k.Ops {
		if k.Ops[i].Kind == TileMatmul {
			return &k.Ops[i]
		}
	}
	return nil
}

func findElementwise(k *Kernel) *TileOp {
	if k == nil {
		return nil
	}
	for i := range k.Ops {
		if k.Ops[i].Kind == TileElementwise {
			return &k.Ops[i]
		}
	}
	return nil
}

func epilogueName(ep Epilogue) string {
	switch ep {
	case EpilogueAdd:
		return "add"
	case EpilogueSilu:
		return "silu"
	case EpilogueAddSilu:
		return "add_silu"
	default:
		return "none"
	}
}

// Emit renders the full kernel source file for m: the banner, the
// bwpp.meta lines, bwpp.plan lines (attention only), and the Metal
// kernel bodies. Calling Emit twice on the same m produces
// byte-identical output.
func Emit(m *ir.Module) string {
	var sb strings.Builder

	hasAttention := m.HasAttention
	kernel := Select(m)
	hasSoftmax := m.HasOp(graph.Softmax)
	hasRMSNorm := m.HasOp(graph.RMSNorm)

	matmulOp := findMatmul(kernel)
	epi := findElementwise(kernel)

	tileM, tileN, tileK := 16, 16, 16
	if matmulOp != nil {
		tileM, tileN, tileK = matmulOp.Tile.M, matmulOp.Tile.N, matmulOp.Tile.K
	}
	reqM, reqN, reqK := tileM, tileN, tileK
	clamped := false
	if tileM != tileN || tileN != tileK {
		min := tileM
		if tileN < min {
			min = tileN
		}
		if tileK < min {
			min = tileK
		}
		tileM, tileN, tileK = min, min, min
		clamped = true
	}

	sb.WriteString("// BW++ Metal output stub\n")
	fmt.Fprintf(&sb, "// bwpp.meta: ops=%d reversible_regions=%d\n", len(m.Ops), len(m.Regions))
	fmt.Fprintf(&sb, "// bwpp.meta: reversible_policy=%s\n", m.ReversiblePolicySummary())
	for i, r := range m.Regions {
		kind := "normal"
		if r.Kind == graph.RegionReversible {
			kind = "reversible"
		}
		pol := "auto"
		switch r.Policy {
		case graph.PolicyStore:
			pol = "store"
		case graph.PolicyRecompute:
			pol = "recompute"
		}
		fmt.Fprintf(&sb, "// bwpp.meta: region=%d kind=%s policy=%s\n", i, kind, pol)
	}

	if kernel != nil {
		if hasAttention {
			sb.WriteString("// bwpp.meta: kernel=attention_f16\n")
			sb.WriteString("// bwpp.meta: attention_plan=tile_ir_stub\n")
			sb.WriteString("// bwpp.meta: fused_attention_candidate=1\n")
		} else {
			sb.WriteString("// bwpp.meta: kernel=matmul_f16\n")
		}
		sb.WriteString("// bwpp.meta: layout=row_major\n")
		fmt.Fprintf(&sb, "// bwpp.meta: block=%d,%d,%d\n", kernel.Block.M, kernel.Block.N, kernel.Block.K)
		if matmulOp != nil {
			if clamped {
				fmt.Fprintf(&sb, "// bwpp.meta: tile_requested=%d,%d,%d\n", reqM, reqN, reqK)
				sb.WriteString("// bwpp.meta: tile_clamped=1\n")
			}
			fmt.Fprintf(&sb, "// bwpp.meta: tile=%d,%d,%d\n", tileM, tileN, tileK)
		}
		if epi != nil {
			fmt.Fprintf(&sb, "// bwpp.meta: epilogue=%s\n", epilogueName(epi.Epilogue))
		}
		if hasAttention {
			sb.WriteString("// bwpp.meta: params=M,N,K,D,ldq,ldk,ldv,ldo\n\n")
		} else {
			sb.WriteString("// bwpp.meta: params=M,N,K,lda,ldb,ldc\n\n")
		}
		if hasAttention {
			for i, op := range kernel.Ops {
				fmt.Fprintf(&sb, "// bwpp.plan: %d=%s role=%d\n", i, op.Kind, int(op.Role))
			}
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("// bwpp.meta: kernel=none\n\n")
	}

	if hasSoftmax {
		sb.WriteString("// bwpp.meta: aux_kernel=softmax_f16\n")
	}
	if hasRMSNorm {
		sb.WriteString("// bwpp.meta: aux_kernel=rmsnorm_f16\n")
	}

	if kernel != nil {
		sb.WriteString("#include <metal_stdlib>\n")
		sb.WriteString("using namespace metal;\n\n")
		fmt.Fprintf(&sb, "#define TILE_M %d\n", tileM)
		fmt.Fprintf(&sb, "#define TILE_N %d\n", tileN)
		fmt.Fprintf(&sb, "#define TILE_K %d\n\n", tileK)
		if !hasAttention {
			writeMatmulKernel(&sb, kernel, epi)
		} else {
			writeAttentionKernel(&sb)
		}
	}

	if hasSoftmax {
		softmaxTile := 128
		if kernel != nil {
			softmaxTile = kernel.Block.N
		}
		writeSoftmaxKernel(&sb, softmaxTile)
	}
	if hasRMSNorm {
		rmsTile := 128
		if kernel != nil {
			rmsTile = kernel.Block.N
		}
		writeRMSNormKernel(&sb, rmsTile)
	}

	return sb.String()
}

func writeMatmulKernel(sb *strings.Builder, k *Kernel, epi *TileOp) {
	fmt.Fprintf(sb, "#define BWPP_BLOCK_M %d\n", k.Block.M)
	fmt.Fprintf(sb, "#define BWPP_BLOCK_N %d\n", k.Block.N)
	fmt.Fprintf(sb, "#define BWPP_BLOCK_K %d\n\n", k.Block.K)
	epAdd, epSilu := 0, 0
	if epi != nil {
		switch epi.Epilogue {
		case EpilogueAdd:
			epAdd = 1
		case EpilogueSilu:
			epSilu = 1
		case EpilogueAddSilu:
			epAdd, epSilu = 1, 1
		}
	}
	fmt.Fprintf(sb, "#define BWPP_EPILOGUE_ADD %d\n", epAdd)
	fmt.Fprintf(sb, "#define BWPP_EPILOGUE_SILU %d\n\n", epSilu)
	sb.WriteString(`struct BwppMatmulParams {
  uint M;
  uint N;
  uint K;
  uint lda;
  uint ldb;
  uint ldc;
};

inline float bwpp_silu(float x) {
  return x / (1.0f + exp(-x));
}

kernel void bwpp_matmul_f16(
    device const half *A [[buffer(0)]],
    device const half *B [[buffer(1)]],
    device half *C [[buffer(2)]],
    constant BwppMatmulParams &p [[buffer(3)]],
    device const half *Bias [[buffer(4)]],
    uint2 tid [[thread_position_in_threadgroup]],
    uint2 tgid [[threadgroup_position_in_grid]]) {
  threadgroup half As[TILE_M][TILE_K];
  threadgroup half Bs[TILE_K][TILE_N];
  uint row = tgid.y * TILE_M + tid.y;
  uint col = tgid.x * TILE_N + tid.x;
  float acc = 0.0f;
  for (uint k0 = 0; k0 < p.K; k0 += TILE_K) {
    uint a_col = k0 + tid.x;
    if (row < p.M && a_col < p.K) {
      As[tid.y][tid.x] = A[row * p.lda + a_col];
    } else {
      As[tid.y][tid.x] = half(0.0f);
    }
    uint b_row = k0 + tid.y;
    if (b_row < p.K && col < p.N) {
      Bs[tid.y][tid.x] = B[b_row * p.ldb + col];
    } else {
      Bs[tid.y][tid.x] = half(0.0f);
    }
    threadgroup_barrier(mem_flags::mem_threadgroup);
    for (uint k = 0; k < TILE_K; ++k) {
      acc += float(As[tid.y][k]) * float(Bs[k][tid.x]);
    }
    threadgroup_barrier(mem_flags::mem_threadgroup);
  }
  if (row < p.M && col < p.N) {
    float out = acc;
#if BWPP_EPILOGUE_ADD
    out += float(Bias[col]);
#endif
#if BWPP_EPILOGUE_SILU
    out = bwpp_silu(out);
#endif
    C[row * p.ldc + col] = half(out);
  }
}
`)
}

func writeAttentionKernel(sb *strings.Builder) {
	sb.WriteString(`#define BWPP_ATT_TILE_M TILE_M
#define BWPP_ATT_TILE_N TILE_N
#define BWPP_ATT_TILE_K TILE_K

struct BwppAttentionParams {
  uint M;
  uint N;
  uint K;
  uint D;
  uint ldq;
  uint ldk;
  uint ldv;
  uint ldo;
};

kernel void bwpp_attention_f16(
    device const half *Q [[buffer(0)]],
    device const half *K [[buffer(1)]],
    device const half *V [[buffer(2)]],
    device half *O [[buffer(3)]],
    constant BwppAttentionParams &p [[buffer(4)]],
    uint2 tid [[thread_position_in_threadgroup]],
    uint2 tgid [[threadgroup_position_in_grid]]) {
  const uint tile = BWPP_ATT_TILE_M;
  uint m = tgid.y * tile + tid.y;
  uint d = tgid.x * tile + tid.x;
  if (m >= p.M || d >= p.D) { return; }
  threadgroup half Qtg[BWPP_ATT_TILE_M][BWPP_ATT_TILE_K];
  threadgroup half Ktg[BWPP_ATT_TILE_N][BWPP_ATT_TILE_K];
  threadgroup half Vtg[BWPP_ATT_TILE_N][BWPP_ATT_TILE_M];
  threadgroup float Scores[BWPP_ATT_TILE_M][BWPP_ATT_TILE_N];
  float maxv = -INFINITY;
  float sum = 0.0f;
  float out = 0.0f;
  for (uint n0 = 0; n0 < p.N; n0 += tile) {
    if (tid.x == 0) {
      for (uint i = 0; i < BWPP_ATT_TILE_N; ++i) { Scores[tid.y][i] = 0.0f; }
    }
    threadgroup_barrier(mem_flags::mem_threadgroup);
    for (uint k0 = 0; k0 < p.K; k0 += tile) {
      uint qk = k0 + tid.x;
      if (m < p.M && qk < p.K) {
        Qtg[tid.y][tid.x] = Q[m * p.ldq + qk];
      } else {
        Qtg[tid.y][tid.x] = half(0.0f);
      }
      uint nk = n0 + tid.y;
      if (nk < p.N && qk < p.K) {
        Ktg[tid.y][tid.x] = K[nk * p.ldk + qk];
      } else {
        Ktg[tid.y][tid.x] = half(0.0f);
      }
      threadgroup_barrier(mem_flags::mem_threadgroup);
      if (tid.x == 0) {
        float qrow[BWPP_ATT_TILE_K];
        for (uint kk = 0; kk < tile; ++kk) { qrow[kk] = float(Qtg[tid.y][kk]); }
        for (uint n = 0; n < tile; ++n) {
          float acc = 0.0f;
          uint kk = 0;
          for (; kk + 1 < tile; kk += 2) {
            float2 q2 = float2(qrow[kk], qrow[kk + 1]);
            float2 k2 = float2(Ktg[n][kk], Ktg[n][kk + 1]);
            acc += q2.x * k2.x + q2.y * k2.y;
          }
          if (kk < tile) { acc += qrow[kk] * float(Ktg[n][kk]); }
          Scores[tid.y][n] += acc;
        }
      }
      threadgroup_barrier(mem_flags::mem_threadgroup);
    }
    uint vn = n0 + tid.y;
    uint vd = tgid.x * tile + tid.x;
    if (vn < p.N && vd < p.D) {
      Vtg[tid.y][tid.x] = V[vn * p.ldv + vd];
    } else {
      Vtg[tid.y][tid.x] = half(0.0f);
    }
    threadgroup_barrier(mem_flags::mem_threadgroup);
    for (uint n = 0; n < tile; ++n) {
      uint idx = n0 + n;
      if (idx >= p.N) { continue; }
      float score = Scores[tid.y][n];
      if (score > maxv) {
        float scale = exp(maxv - score);
        out = out * scale + float(Vtg[n][tid.x]);
        sum = sum * scale + 1.0f;
        maxv = score;
      } else {
        float w = exp(score - maxv);
        out += w * float(Vtg[n][tid.x]);
        sum += w;
      }
    }
    threadgroup_barrier(mem_flags::mem_threadgroup);
  }
  float inv = sum > 0.0f ? (1.0f / sum) : 0.0f;
  O[m * p.ldo + d] = half(out * inv);
}
`)
}

func writeSoftmaxKernel(sb *strings.Builder, tile int) {
	fmt.Fprintf(sb, "\n#define BWPP_SOFTMAX_TILE %d\n", tile)
	sb.WriteString(`
struct BwppSoftmaxParams {
  uint rows;
  uint cols;
  uint ld;
};

kernel void bwpp_softmax_f16(
    device const half *X [[buffer(0)]],
    device half *Y [[buffer(1)]],
    constant BwppSoftmaxParams &p [[buffer(2)]],
    uint gid [[thread_position_in_grid]]) {
  uint row = gid;
  if (row >= p.rows) { return; }
  float maxv = -INFINITY;
  for (uint c0 = 0; c0 < p.cols; c0 += BWPP_SOFTMAX_TILE) {
    uint cmax = min(c0 + BWPP_SOFTMAX_TILE, p.cols);
    for (uint c = c0; c < cmax; ++c) {
      float v = float(X[row * p.ld + c]);
      maxv = max(maxv, v);
    }
  }
  float sum = 0.0f;
  for (uint c0 = 0; c0 < p.cols; c0 += BWPP_SOFTMAX_TILE) {
    uint cmax = min(c0 + BWPP_SOFTMAX_TILE, p.cols);
    for (uint c = c0; c < cmax; ++c) {
      float e = exp(float(X[row * p.ld + c]) - maxv);
      Y[row * p.ld + c] = half(e);
      sum += e;
    }
  }
  float inv = sum > 0.0f ? (1.0f / sum) : 0.0f;
  for (uint c0 = 0; c0 < p.cols; c0 += BWPP_SOFTMAX_TILE) {
    uint cmax = min(c0 + BWPP_SOFTMAX_TILE, p.cols);
    for (uint c = c0; c < cmax; ++c) {
      Y[row * p.ld + c] = half(float(Y[row * p.ld + c]) * inv);
    }
  }
}
`)
}

func writeRMSNormKernel(sb *strings.Builder, tile int) {
	fmt.Fprintf(sb, "\n#define BWPP_RMSNORM_TILE %d\n", tile)
	sb.WriteString(`
struct BwppRmsnormParams {
  uint rows;
  uint cols;
  uint ld;
  float eps;
};

kernel void bwpp_rmsnorm_f16(
    device const half *X [[buffer(0)]],
    device const half *Gamma [[buffer(1)]],
    device half *Y [[buffer(2)]],
    constant BwppRmsnormParams &p [[buffer(3)]],
    device const half *Beta [[buffer(4)]],
    uint gid [[thread_position_in_grid]]) {
  uint row = gid;
  if (row >= p.rows) { return; }
  float sumsq = 0.0f;
  for (uint c0 = 0; c0 < p.cols; c0 += BWPP_RMSNORM_TILE) {
    uint cmax = min(c0 + BWPP_RMSNORM_TILE, p.cols);
    for (uint c = c0; c < cmax; ++c) {
      float v = float(X[row * p.ld + c]);
      sumsq += v * v;
    }
  }
  float inv = rsqrt(sumsq / float(p.cols) + p.eps);
  for (uint c0 = 0; c0 < p.cols; c0 += BWPP_RMSNORM_TILE) {
    uint cmax = min(c0 + BWPP_RMSNORM_TILE, p.cols);
    for (uint c = c0; c < cmax; ++c) {
      float v = float(X[row * p.ld + c]) * inv;
      float g = Gamma ? float(Gamma[c]) : 1.0f;
      float b = Beta ? float(Beta[c]) : 0.0f;
      Y[row * p.ld + c] = half(v * g + b);
    }
  }
}
`)
}
