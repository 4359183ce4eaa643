package benchmarks

import (
	"flag"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mxnet-gomlx/mxnet"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagBenchDuration = flag.Duration("bench_duration", 0, "Duration of each go-benchmarks run. Set to 0 to skip the benchmarks.")

func init() {
	klog.InitFlags(nil)
}

// convBenchConfig is one convolution configuration benchmarked.
type convBenchConfig struct {
	name                    string
	batch, channels, size   int
	filters, kernel, groups int
}

var convBenchConfigs = []convBenchConfig{
	{name: "resnet_block", batch: 8, channels: 64, size: 28, filters: 64, kernel: 3, groups: 1},
	{name: "grouped_4", batch: 8, channels: 64, size: 28, filters: 64, kernel: 3, groups: 4},
	{name: "grouped_32", batch: 8, channels: 128, size: 14, filters: 128, kernel: 3, groups: 32},
	{name: "depthwise", batch: 8, channels: 64, size: 28, filters: 64, kernel: 3, groups: 64},
}

func (c convBenchConfig) param() mxnet.ConvolutionParam {
	return mxnet.ConvolutionParam{
		Kernel:    []int{c.kernel, c.kernel},
		Pad:       []int{c.kernel / 2, c.kernel / 2},
		NumFilter: c.filters,
		NumGroup:  c.groups,
		NoBias:    true,
	}
}

// inputs returns deterministic data [N, C, H, W] and filter [O, C/groups, K, K] tensors.
func (c convBenchConfig) inputs() (data, filter *tensors.Tensor) {
	data = benchTensor(1, c.batch, c.channels, c.size, c.size)
	filter = benchTensor(2, c.filters, c.channels/c.groups, c.kernel, c.kernel)
	return
}

func benchTensor(seed int, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	flat := make([]float32, size)
	for ii := range flat {
		flat[ii] = math32.Sin(float32(ii*seed)) / 4
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...)
}

// mxnetConvFn is the convolution as lowered from MXNet: grouped convolutions are sliced per group.
func mxnetConvFn(c convBenchConfig) func(data, filter *graph.Node) *graph.Node {
	return func(data, filter *graph.Node) *graph.Node {
		in := must.M1(mxnet.NewConvInputs(data, filter, mxnet.None[*graph.Node](), c.param()))
		return must.M1(mxnet.BuildConvolution(in))
	}
}

// nativeConvFn uses the backend grouped convolution directly.
func nativeConvFn(c convBenchConfig) func(data, filter *graph.Node) *graph.Node {
	return func(data, filter *graph.Node) *graph.Node {
		spatial := []int{2, 3}
		pad := c.kernel / 2
		return graph.Convolve(data, filter).
			AxesConfig(backends.ConvolveAxesConfig{
				InputBatch: 0, InputChannels: 1, InputSpatial: spatial,
				KernelOutputChannels: 0, KernelInputChannels: 1, KernelSpatial: spatial,
				OutputBatch: 0, OutputChannels: 1, OutputSpatial: spatial,
			}).
			StridePerAxis(1, 1).
			DilationPerAxis(1, 1).
			PaddingPerDim([][2]int{{pad, pad}, {pad, pad}}).
			ChannelGroupCount(c.groups).
			Done()
	}
}

func TestGroupedConvolution_SameAsNative(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, c := range convBenchConfigs {
		t.Run(c.name, func(t *testing.T) {
			c.batch = 1
			data, filter := c.inputs()
			want := graph.MustExecOnce(backend, nativeConvFn(c), data, filter)
			got := graph.MustExecOnce(backend, mxnetConvFn(c), data, filter)
			requireSameTensorsFloat32(t, want, got, 1e-3)
		})
	}
}

func TestConvolution_Bench(t *testing.T) {
	if testing.Short() || *flagBenchDuration == 0 {
		t.SkipNow()
	}
	backend := graphtest.BuildTestBackend()
	header := true
	for _, c := range convBenchConfigs {
		data, filter := c.inputs()
		mxnetExec := graph.MustNewExec(backend, mxnetConvFn(c))
		nativeExec := graph.MustNewExec(backend, nativeConvFn(c))
		benchmarks.New(
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("%s/mxnet", c.name),
				Func: func() { mxnetExec.MustExec1(data, filter).FinalizeAll() },
			},
			benchmarks.NamedFunction{
				Name: fmt.Sprintf("%s/native", c.name),
				Func: func() { nativeExec.MustExec1(data, filter).FinalizeAll() },
			}).
			WithWarmUps(10).
			WithDuration(*flagBenchDuration).
			WithHeader(header).
			WithInnerRepeats(c.batch). // Report will be "per example".
			WithPrettyPrintFn(formatDuration).
			Done()
		header = false
	}
}

// quantizedSymbolExec returns an executor of the quantized convolution test symbol, taking the
// data and its calibration range as inputs, with the weights stored in the context.
func quantizedSymbolExec(t testing.TB, backend backends.Backend) *context.Exec {
	symbol := must.M1(mxnet.ReadSymbolFile(filepath.Join("..", "..", "mxnet", "testdata", "quantized_conv-symbol.json")))
	ctx := context.New()
	require.NoError(t, symbol.VariablesToContext(ctx, map[string]*tensors.Tensor{
		"arg:qconv_weight": benchTensor(3, 8, 4, 3, 3),
		"arg:qconv_bias":   benchTensor(5, 8),
	}))
	ctx = ctx.Reuse()
	return context.MustNewExec(backend, ctx, func(ctx *context.Context, data, dataMin, dataMax *graph.Node) *graph.Node {
		outputs := must.M1(symbol.CallGraph(ctx, data.Graph(), map[string]*graph.Node{
			"data": data, "data_min": dataMin, "data_max": dataMax,
		}))
		return outputs[0]
	})
}

func TestQuantizedConvolution_Bench(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := quantizedSymbolExec(t, backend)
	defer exec.Finalize()
	data := benchTensor(7, 1, 4, 6, 6)
	dataMin, dataMax := tensors.FromValue([]float32{-0.25}), tensors.FromValue([]float32{0.25})
	output := exec.MustExec1(data, dataMin, dataMax)
	require.Equal(t, dtypes.Uint8, output.DType())
	require.Equal(t, []int{1, 8, 4, 4}, output.Shape().Dimensions)
	if testing.Short() || *flagBenchDuration == 0 {
		return
	}
	benchmarks.New(benchmarks.NamedFunction{
		Name: "quantized_conv/simplego",
		Func: func() { exec.MustExec1(data, dataMin, dataMax).FinalizeAll() },
	}).
		WithWarmUps(10).
		WithDuration(*flagBenchDuration).
		WithHeader(true).
		WithPrettyPrintFn(formatDuration).
		Done()
}

// BenchmarkConvolution executes convBenchConfigs with the MXNet lowering and with the native
// grouped convolution. We try not to count the time for tensor transfers in and out.
func BenchmarkConvolution(b *testing.B) {
	backend := graphtest.BuildTestBackend()
	for _, c := range convBenchConfigs {
		data, filter := c.inputs()
		for _, impl := range []struct {
			name string
			fn   func(data, filter *graph.Node) *graph.Node
		}{{"mxnet", mxnetConvFn(c)}, {"native", nativeConvFn(c)}} {
			exec := graph.MustNewExec(backend, impl.fn)
			b.Run(fmt.Sprintf("%s/%s", c.name, impl.name), func(b *testing.B) {
				for range 3 {
					exec.MustExec1(data, filter).FinalizeAll()
				}
				b.ResetTimer()
				for b.Loop() {
					exec.MustExec1(data, filter).FinalizeAll()
				}
			})
		}
	}
}
