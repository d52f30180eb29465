// cmd/bwpp/main.go is the compiler's driver: the external collaborator
// spec.md §1 describes as supplying source text and a destination path,
// reading kernel text and metadata, and consuming a serialized memory
// plan. It owns all file I/O; the core packages never touch a
// filesystem.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/mattn/go-isatty"

	"bwpp/internal/ast"
	"bwpp/internal/attention"
	"bwpp/internal/autodiff"
	"bwpp/internal/graph"
	"bwpp/internal/ir"
	"bwpp/internal/memplan"
	"bwpp/internal/tileir"
	"bwpp/internal/typecheck"
)

// options is the parsed command line, mirroring the hand-rolled
// os.Args walk cmd/sentra/main.go and cmd/sentra/commands/build.go use
// instead of a flags library.
type options struct {
	input    string
	output   string
	entry    string
	dot      string
	gradDot  string
	memPlan  string
	attnRpt  bool
	debug    bool
	legacyIR bool
}

func main() {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if err := run(opts); err != nil {
		fatal(err)
	}
}

func parseArgs(args []string) (*options, error) {
	var opts options
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dot":
			i++
			opts.dot = argAt(args, i)
		case "--grad-dot":
			i++
			opts.gradDot = argAt(args, i)
		case "--mem-plan":
			i++
			opts.memPlan = argAt(args, i)
		case "--entry":
			i++
			opts.entry = argAt(args, i)
		case "--attn-report":
			opts.attnRpt = true
		case "--debug":
			opts.debug = true
		case "--legacy-ir":
			opts.legacyIR = true
		default:
			positional = append(positional, args[i])
		}
	}
	if len(positional) != 2 {
		return nil, fmt.Errorf("usage: bwpp <input> <output> [--dot path] [--grad-dot path] [--mem-plan path] [--entry fn] [--attn-report]")
	}
	opts.input, opts.output = positional[0], positional[1]
	return &opts, nil
}

func argAt(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i]
}

func run(opts *options) error {
	buildID := uuid.New().String()
	start := time.Now()

	src, err := os.ReadFile(opts.input)
	if err != nil {
		return fmt.Errorf("[%s] read %s: %w", buildID, opts.input, err)
	}
	source := string(src)

	if err := typecheck.Check(opts.input, source, opts.entry); err != nil {
		return fmt.Errorf("[%s] %w", buildID, err)
	}

	g, err := graph.Build(opts.input, source, opts.entry)
	if err != nil {
		return fmt.Errorf("[%s] %w", buildID, err)
	}
	if err := g.CheckInvariants(); err != nil {
		return fmt.Errorf("[%s] internal error: forward graph: %w", buildID, err)
	}

	hasAttention := attention.Detect(g)

	var m *ir.Module
	if opts.legacyIR {
		astMod, err := ast.Parse(opts.input, source, opts.entry)
		if err != nil {
			return fmt.Errorf("[%s] %w", buildID, err)
		}
		m = ir.LowerAST(astMod, hasAttention)
	} else {
		m = ir.LowerGraph(g, hasAttention)
	}

	kernelSrc := tileir.Emit(m)
	if err := os.WriteFile(opts.output, []byte(kernelSrc), 0o644); err != nil {
		return fmt.Errorf("[%s] write %s: %w", buildID, opts.output, err)
	}

	if opts.dot != "" {
		if err := os.WriteFile(opts.dot, []byte(g.DumpDot()), 0o644); err != nil {
			return fmt.Errorf("[%s] write %s: %w", buildID, opts.dot, err)
		}
	}
	if opts.gradDot != "" {
		gg := autodiff.Transform(g)
		if err := gg.CheckInvariants(); err != nil {
			return fmt.Errorf("[%s] internal error: gradient graph: %w", buildID, err)
		}
		if err := os.WriteFile(opts.gradDot, []byte(gg.DumpDot()), 0o644); err != nil {
			return fmt.Errorf("[%s] write %s: %w", buildID, opts.gradDot, err)
		}
	}
	if opts.memPlan != "" {
		plan := memplan.Build(g)
		if err := os.WriteFile(opts.memPlan, []byte(plan.Dump()), 0o644); err != nil {
			return fmt.Errorf("[%s] write %s: %w", buildID, opts.memPlan, err)
		}
	}
	if opts.attnRpt {
		reportf(opts, "[%s] fused_attention_candidate=%d\n", buildID, boolToInt(hasAttention))
	}
	if opts.debug {
		pretty.Println(m)
	}

	elapsed := time.Since(start)
	reportf(opts, "[%s] compiled %d kernel ops, %s, in %s\n",
		buildID, len(m.Ops), humanize.Bytes(uint64(len(kernelSrc))), elapsed.Round(time.Microsecond))
	return nil
}

// reportf writes a human-facing status line to stdout, dimming the
// whole line when stdout is a terminal.
func reportf(opts *options, format string, args ...interface{}) {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		format = "\x1b[2m" + format + "\x1b[0m"
	}
	fmt.Fprintf(os.Stdout, format, args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fatal(err error) {
	prefix := "error: "
	if isatty.IsTerminal(os.Stderr.Fd()) {
		prefix = "\x1b[31merror:\x1b[0m "
	}
	fmt.Fprintf(os.Stderr, "%s%v\n", prefix, err)
	os.Exit(1)
}
