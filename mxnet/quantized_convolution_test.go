package mxnet

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizedConvolutionBuild(t *testing.T) {
	graphtest.RunTestGraphFn(t, "QuantizedConvolution.Build", func(g *Graph) (inputs, outputs []*Node) {
		data := Const(g, [][][][]int8{{{{1, 2, 3}}}})
		filter := Const(g, [][][][]int8{{{{2, -1}}}})
		bias := Const(g, []int32{-1})
		inputs = []*Node{data, filter, bias}
		p, err := NormalizeConvParams(ConvolutionParam{NumGroup: 1}, 4)
		if err != nil {
			panic(err)
		}
		qc := QuantizedConvolution{
			Data:        data,
			DataScale:   Scalar(g, dtypes.Float32, 0.5),
			Filter:      filter,
			FilterScale: Scalar(g, dtypes.Float32, 2),
			Bias:        bias,
			BiasScale:   Scalar(g, dtypes.Float32, 1),
			Output:      StaticRange(g, -127, 127),
			Params:      p,
		}
		plain := qc.Build()
		qc.Fusion.Relu = true
		qc.Output = StaticRange(g, 0, 255)
		relu := qc.Build()
		outputs = []*Node{plain, relu}
		return
	}, []any{
		// acc = [0, 1], plus bias -1.
		[][][][]int8{{{{-1, 0}}}},
		[][][][]uint8{{{{0, 0}}}},
	}, -1)
}

func TestQuantizedConvolutionOutputDType(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestQuantizedConvolutionOutputDType")
	defer g.Finalize()
	sum := Some(Scalar(g, dtypes.Float32, 1))

	assert.Equal(t, dtypes.Int8, QuantizedConvolution{}.OutputDType())
	assert.Equal(t, dtypes.Uint8, QuantizedConvolution{Fusion: FusionOptions{Relu: true}}.OutputDType())
	assert.Equal(t, dtypes.Int8, QuantizedConvolution{Fusion: FusionOptions{Relu: true, Sum: sum}}.OutputDType())
	assert.Equal(t, dtypes.Uint8, QuantizedConvolution{Fusion: FusionOptions{Sum: sum, PostSumRelu: true}}.OutputDType())
}

func TestStaticOutputRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	g := NewGraph(backend, "TestStaticOutputRange")
	defer g.Finalize()

	r, err := staticOutputRange(g, Attributes{"min_calib_range": "-1.5", "max_calib_range": "3"})
	require.NoError(t, err)
	require.NotNil(t, r.Min)
	require.NotNil(t, r.Max)

	_, err = staticOutputRange(g, Attributes{"min_calib_range": "-1.5"})
	require.ErrorIs(t, err, ErrInvalidParam)
	_, err = staticOutputRange(g, Attributes{"min_calib_range": "None", "max_calib_range": "None"})
	require.ErrorIs(t, err, ErrInvalidParam)
	_, err = staticOutputRange(g, Attributes{"min_calib_range": "2", "max_calib_range": "1"})
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestCheckQuantizedSupport(t *testing.T) {
	require.NoError(t, checkQuantizedSupport(ConvolutionParam{NumGroup: 1}))
	require.ErrorIs(t, checkQuantizedSupport(ConvolutionParam{NumGroup: 2}), ErrNotImplemented)
	require.ErrorIs(t, checkQuantizedSupport(ConvolutionParam{NumGroup: 1, NoBias: true}), ErrNotImplemented)
}
