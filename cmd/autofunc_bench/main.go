// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// autofunc_bench drives custom differentiable functions through the bridge in
// a tight loop and reports throughput, engine allocations and the per-kernel
// metadata the bridge learned along the way.
//
// One Engine and one InfoStore are shared by every worker; each worker owns
// its Runtime and Bridge, mirroring one engine execution stream per goroutine.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/autofunc/bridge"
	"github.com/gomlx/autofunc/simplefn"
	"github.com/gomlx/autofunc/types/shapes"
	"github.com/gomlx/autofunc/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

var (
	flagSteps    = flag.Int("steps", 1000, "Number of forward/backward pairs each worker runs.")
	flagParallel = flag.Int("parallel", 1, "Number of worker goroutines, each with its own runtime and bridge.")
	flagSize     = flag.Int("size", 1024, "Number of elements per tensor.")
	flagDType    = flag.String("dtype", "float32", "Element type of the tensors: float32, float16 or float64.")
	flagAlpha    = flag.Float64("alpha", 1.0, "Scaling factor applied by the benchmarked kernel.")

	flagInplace = flag.Bool("inplace", false,
		"Declare and perform in-place reuse of the input buffer, exercising the write-back path.")
	flagSurprise = flag.Bool("surprise", false,
		"Reuse the input buffer without declaring it, exercising the self-healing forced-clone path.")
	flagMaterialize = flag.Bool("materialize", false,
		"Drop the output gradient on every backward, exercising zero-gradient materialization.")
	flagInference = flag.Bool("inference", false, "Run forward only, in inference mode.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagSurprise && *flagInplace {
		klog.Errorf("-surprise and -inplace are mutually exclusive. See 'autofunc_bench -help'.")
		os.Exit(1)
	}
	var dtype dtypes.DType
	switch *flagDType {
	case "float32":
		dtype = dtypes.Float32
	case "float16":
		dtype = dtypes.Float16
	case "float64":
		dtype = dtypes.Float64
	default:
		klog.Errorf("Unsupported -dtype %q, use float32, float16 or float64.", *flagDType)
		os.Exit(1)
	}
	run(dtype)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

// scaleFlat multiplies every element of a flat data slice by alpha.
func scaleFlat(flat any, alpha float32) {
	switch values := flat.(type) {
	case []float32:
		for ii := range values {
			values[ii] *= alpha
		}
	case []float64:
		for ii := range values {
			values[ii] *= float64(alpha)
		}
	case []float16.Float16:
		for ii := range values {
			values[ii] = float16.Fromfloat32(values[ii].Float32() * alpha)
		}
	default:
		klog.Fatalf("scaleFlat: unsupported flat data type %T", flat)
	}
}

// newFlat creates a flat data slice of the given dtype with values 1..size.
func newFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Float32:
		return xslices.Iota(float32(1), size)
	case dtypes.Float64:
		return xslices.Iota(float64(1), size)
	case dtypes.Float16:
		return xslices.Map(xslices.Iota(float32(1), size), float16.Fromfloat32)
	}
	klog.Fatalf("newFlat: unsupported dtype %s", dtype)
	return nil
}

// scaleKernel builds the benchmarked custom function: forward saves its input
// and scales it by alpha, backward scales the output gradient by alpha. With
// inPlace both directions write into the buffer they received and return it.
func scaleKernel(alpha float32, inPlace bool) simplefn.Function {
	scale := func(tensor *simplefn.Tensor) *simplefn.Tensor {
		out := tensor
		if !inPlace {
			out = tensor.DetachClone().(*simplefn.Tensor)
		}
		scaleFlat(out.FlatData(), alpha)
		return out
	}
	return simplefn.Function{
		Name: "Scale",
		Forward: func(ctx *simplefn.Node, args ...any) any {
			in := args[0].(*simplefn.Tensor)
			ctx.SaveForBackward(in)
			return scale(in)
		},
		Backward: func(ctx *simplefn.Node, grads ...any) any {
			return scale(grads[0].(*simplefn.Tensor))
		},
	}
}

type workerReport struct {
	bytesMoved uint64
	leaked     int
}

// runWorker drives steps forward/backward pairs of one kernel-identity pair
// through its own bridge.
func runWorker(engine *simplefn.Engine, infos *bridge.InfoStore, bar *progressbar.ProgressBar,
	dtype dtypes.DType, steps int) workerReport {
	rt := simplefn.NewRuntime(engine)
	b := bridge.NewWithInfoStore(rt, infos)
	fn := scaleKernel(float32(*flagAlpha), *flagInplace || *flagSurprise)
	forward := rt.Applier(fn)
	backward := rt.BackwardApplier(fn)
	forwardID := uuid.NewString()
	backwardID := uuid.NewString()

	shape := shapes.Make(dtype, *flagSize)
	in := must.M1(engine.BufferFromFlatData(0, newFlat(dtype, *flagSize), shape))
	training := !*flagInference
	forwardMap := []int{-1, -1}
	backwardMap := []int{-1}
	if *flagInplace {
		forwardMap = []int{-1, 0}
		backwardMap = []int{1} // gradient argument, the context counts as input 0
	}

	var report workerReport
	for step := 0; step < steps; step++ {
		ctx, outs, err := b.CallForward(&bridge.Call{
			Func: forward, Name: fn.Name, KernelID: forwardID, Training: training,
			RequiresGrad: []bool{training}, IsTensor: []bool{true},
			InplaceMap: forwardMap,
			Args:       []any{in},
		})
		must.M(err)
		report.bytesMoved += uint64(shape.Memory())
		if training {
			var grad any
			if !*flagMaterialize {
				grad = outs[0]
			}
			_, err = b.CallBackward(&bridge.Call{
				Func: backward, Name: fn.Name, KernelID: backwardID, Training: training,
				RequiresGrad: []bool{false, false}, IsTensor: []bool{false, true},
				InplaceMap: backwardMap,
				Args:       []any{ctx, grad},
			})
			must.M(err)
			report.bytesMoved += uint64(shape.Memory())
		}
		_ = bar.Add(1)
	}
	report.leaked = b.Retained()
	return report
}

func run(dtype dtypes.DType) {
	engine := simplefn.New()
	infos := bridge.NewInfoStore()
	totalSteps := *flagSteps * *flagParallel

	output := termenv.NewOutput(os.Stdout)
	output.HideCursor()
	defer output.ShowCursor()
	bar := progressbar.NewOptions(totalSteps,
		progressbar.OptionSetDescription("Bridging"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)

	start := time.Now()
	reports := make([]workerReport, *flagParallel)
	var wg sync.WaitGroup
	for ii := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[ii] = runWorker(engine, infos, bar, dtype, *flagSteps)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	_ = bar.Finish()
	output.ShowCursor()
	fmt.Println()

	var bytesMoved uint64
	leaked := 0
	for _, report := range reports {
		bytesMoved += report.bytesMoved
		leaked += report.leaked
	}
	allocations, allocatedBytes := engine.AllocationStats()

	fmt.Println(titleStyle.Render("autofunc_bench"))
	table := newPlainTable(false)
	table.Row("steps", humanize.Comma(int64(totalSteps)))
	table.Row("workers", humanize.Comma(int64(*flagParallel)))
	table.Row("tensor", fmt.Sprintf("(%s)[%s]", *flagDType, humanize.Comma(int64(*flagSize))))
	table.Row("wall time", elapsed.Round(time.Millisecond).String())
	table.Row("steps/s", humanize.CommafWithDigits(float64(totalSteps)/elapsed.Seconds(), 1))
	table.Row("bytes moved", humanize.Bytes(bytesMoved))
	table.Row("engine allocations", humanize.Comma(allocations))
	table.Row("engine bytes", humanize.Bytes(uint64(allocatedBytes)))
	table.Row("contexts leaked", humanize.Comma(int64(leaked)))
	fmt.Println(table.Render())

	fmt.Println(titleStyle.Render("Learned kernel metadata"))
	kernels := newPlainTable(true)
	kernels.Row("Kernel", "Captured Inputs", "Forced Clones", "Materializes")
	for _, stats := range infos.Stats() {
		kernels.Row(stats.KernelID[:8], fmt.Sprint(stats.CapturedInputs),
			fmt.Sprint(stats.ClonedOutputs), fmt.Sprint(stats.MaterializesGrads))
	}
	fmt.Println(kernels.Render())

	if leaked > 0 {
		klog.Errorf("%d differentiation contexts were never released by a backward call", leaked)
		os.Exit(1)
	}
}
