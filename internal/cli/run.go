package cli

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mxnet-gomlx/mxnet"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	Seed uint64
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	runOpts := &RunOptions{}
	cmd := &cobra.Command{
		Use:   "run <symbol>",
		Short: "Execute an MXNet symbol on random values",
		Long: `Execute an MXNet symbol file (model-symbol.json) with the simplego backend.

Every variable is filled with deterministic random values in [-1, 1], seeded with --seed.
Calibration variables, named "*_min" and "*_max", are set to -1 and 1. The shape and the
min, max and mean of each of the symbol heads are printed.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSymbol(rootOpts, runOpts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().Uint64Var(&runOpts.Seed, "seed", 42, "seed for the random values of the variables")
	return cmd
}

func runSymbol(opts *RootOptions, runOpts *RunOptions, symbolPath string, w io.Writer) error {
	symbol, err := mxnet.ReadSymbolFile(symbolPath)
	if err != nil {
		return err
	}
	params, err := randomParams(symbol, runOpts.Seed)
	if err != nil {
		return err
	}
	ctx := context.New()
	if err = symbol.VariablesToContext(ctx, params); err != nil {
		return err
	}
	backend, err := simplego.New("")
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	defer backend.Finalize()

	headShapes := make([]shapes.Shape, len(symbol.Heads))
	var results []*tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		results = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			heads, err := symbol.CallGraph(ctx, g, nil)
			if err != nil {
				panic(err)
			}
			stats := make([]*Node, 0, 3*len(heads))
			for ii, head := range heads {
				headShapes[ii] = head.Shape()
				x := ConvertDType(head, dtypes.Float64)
				stats = append(stats, ReduceAllMin(x), ReduceAllMax(x), ReduceAllMean(x))
			}
			return stats
		})
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to execute %s", symbolPath)
	}
	if opts.Verbose {
		klog.Infof("executed %s with %d variables, seed %d", symbolPath, len(params), runOpts.Seed)
	}

	for ii, name := range symbol.HeadsNames() {
		_, _ = fmt.Fprintf(w, "%s: %s min=%.6g max=%.6g mean=%.6g\n", name, formatShape(headShapes[ii]),
			tensors.ToScalar[float64](results[3*ii]),
			tensors.ToScalar[float64](results[3*ii+1]),
			tensors.ToScalar[float64](results[3*ii+2]))
	}
	return nil
}

// randomParams creates a tensor for each variable of the symbol, with its declared shape (undefined
// dimensions set to 1) and values drawn from a random generator seeded with seed.
func randomParams(symbol *mxnet.Symbol, seed uint64) (map[string]*tensors.Tensor, error) {
	dshapes, err := symbol.InputsShapes()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed))
	params := make(map[string]*tensors.Tensor, len(dshapes))
	for ii, name := range symbol.InputsNames() {
		if !dshapes[ii].IsDeclared() {
			return nil, errors.Errorf("variable %q has no declared shape (\"__shape__\" attribute)", name)
		}
		shape := dshapes[ii].Shape(1)
		uniform := func() float64 { return 2*rng.Float64() - 1 }
		switch {
		case strings.HasSuffix(name, "_min"):
			uniform = func() float64 { return -1 }
		case strings.HasSuffix(name, "_max"):
			uniform = func() float64 { return 1 }
		}
		var t *tensors.Tensor
		switch shape.DType {
		case dtypes.Float32:
			t = randomTensor(shape, func() float32 { return float32(uniform()) })
		case dtypes.Float64:
			t = randomTensor(shape, uniform)
		case dtypes.Int8:
			t = randomTensor(shape, func() int8 { return int8(127 * uniform()) })
		case dtypes.Uint8:
			t = randomTensor(shape, func() uint8 { return uint8(127.5 * (uniform() + 1)) })
		case dtypes.Int32:
			t = randomTensor(shape, func() int32 { return int32(1000 * uniform()) })
		default:
			return nil, errors.Errorf("variable %q: random values for dtype %s not supported", name, shape.DType)
		}
		params[name] = t
	}
	return params, nil
}

func randomTensor[T interface {
	float32 | float64 | int8 | uint8 | int32
}](shape shapes.Shape, fn func() T) *tensors.Tensor {
	flat := make([]T, shape.Size())
	for ii := range flat {
		flat[ii] = fn()
	}
	return tensors.FromFlatDataAndDimensions(flat, shape.Dimensions...)
}
