package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/mxnet-gomlx/mxnet"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// NewLowerCommand creates the lower command.
func NewLowerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lower <symbol>",
		Short: "Lower an MXNet symbol and print the shapes of its operators",
		Long: `Lower all the operators of an MXNet symbol file (model-symbol.json) to a GoMLX graph.

Every variable must declare its shape with the "__shape__" attribute; undefined
dimensions are set to 1. The graph is only built, not executed.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLower(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}

func runLower(opts *RootOptions, symbolPath string, w io.Writer) error {
	symbol, err := mxnet.ReadSymbolFile(symbolPath)
	if err != nil {
		return err
	}
	backend, err := simplego.New("")
	if err != nil {
		return errors.WithMessage(err, "failed to create backend")
	}
	defer backend.Finalize()

	g := graph.NewGraph(backend, "mxconv_lower")
	defer g.Finalize()
	inputs, err := symbolInputs(g, symbol)
	if err != nil {
		return err
	}
	entries := symbol.OperatorOutputs()
	outputs, err := symbol.CallGraph(nil, g, inputs, entries...)
	if err != nil {
		return err
	}
	if opts.Verbose {
		klog.Infof("lowered %d operator outputs of %s", len(outputs), symbolPath)
	}

	_, _ = fmt.Fprintf(w, "symbol %s: %d nodes, %d variables\n",
		filepath.Base(symbolPath), len(symbol.Nodes), len(symbol.InputsNames()))
	for ii, entry := range entries {
		_, _ = fmt.Fprintf(w, "%s (%s): %s\n",
			symbol.EntryName(entry), symbol.Nodes[entry.Node].Op, formatShape(outputs[ii].Shape()))
	}
	_, _ = fmt.Fprintf(w, "heads: %s\n", strings.Join(symbol.HeadsNames(), ", "))
	return nil
}

// symbolInputs creates a graph parameter for each variable of the symbol, with its declared shape.
func symbolInputs(g *graph.Graph, symbol *mxnet.Symbol) (map[string]*graph.Node, error) {
	dshapes, err := symbol.InputsShapes()
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]*graph.Node, len(dshapes))
	for ii, name := range symbol.InputsNames() {
		if !dshapes[ii].IsDeclared() {
			return nil, errors.Errorf("variable %q has no declared shape (\"__shape__\" attribute)", name)
		}
		inputs[name] = graph.Parameter(g, mxnet.SafeVarName(name), dshapes[ii].Shape(1))
	}
	return inputs, nil
}

// formatShape formats the shape as "<dtype> [<dims>]".
func formatShape(shape shapes.Shape) string {
	return fmt.Sprintf("%s %v", shape.DType, shape.Dimensions)
}
