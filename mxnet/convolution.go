package mxnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"k8s.io/klog/v2"
)

// ConvInputs are the resolved inputs of a convolution, with its normalized parameters.
type ConvInputs struct {
	Data, Filter *Node
	Bias         Optional[*Node]
	Params       ConvParams
}

// NewConvInputs normalizes raw against the data rank and validates the operands shapes.
func NewConvInputs(data, filter *Node, bias Optional[*Node], raw ConvolutionParam) (ConvInputs, error) {
	params, err := NormalizeConvParams(raw, data.Rank())
	if err != nil {
		return ConvInputs{}, err
	}
	in := ConvInputs{Data: data, Filter: filter, Bias: bias, Params: params}
	if err = in.validate(); err != nil {
		return ConvInputs{}, err
	}
	return in, nil
}

// validate checks the shapes of the operands against each other and against the parameters.
func (in ConvInputs) validate() error {
	p := in.Params
	if err := p.checkFilter(in.Filter.Shape()); err != nil {
		return err
	}
	if b, ok := in.Bias.Get(); ok {
		if p.NoBias {
			return invalidParamf("convolution configured with no_bias, but a bias was given")
		}
		if b.Rank() != 1 || b.Shape().Dim(0) != in.Filter.Shape().Dim(0) {
			return invalidGraphf("convolution bias must be shaped [%d], got %s", in.Filter.Shape().Dim(0), b.Shape())
		}
	} else if !p.NoBias {
		return invalidGraphf("convolution requires a bias, unless no_bias is set")
	}

	inChannels := in.Data.Shape().Dim(1)
	outChannels := in.Filter.Shape().Dim(0)
	if inChannels%p.Groups != 0 {
		return invalidParamf("convolution input channels (%d) not divisible by num_group (%d)", inChannels, p.Groups)
	}
	if outChannels%p.Groups != 0 {
		return invalidParamf("convolution output channels (%d) not divisible by num_group (%d)", outChannels, p.Groups)
	}
	if filterInChannels := in.Filter.Shape().Dim(1); filterInChannels != inChannels/p.Groups {
		return invalidGraphf("convolution filter %s expects %d input channels per group, but data %s with %d groups has %d",
			in.Filter.Shape(), filterInChannels, in.Data.Shape(), p.Groups, inChannels/p.Groups)
	}
	if _, err := p.OutputSpatialDims(in.Data.Shape().Dimensions[2:], in.Filter.Shape().Dimensions[2:]); err != nil {
		return err
	}
	return nil
}

// BuildConvolution builds the convolution of in.Data by in.Filter, group by group, and adds the bias if present.
func BuildConvolution(in ConvInputs) (*Node, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return tryGraph(func() *Node {
		return addBias(convolveGrouped(in.Data, in.Filter, in.Params), in.Bias)
	})
}

// convolveGrouped convolves data by filter. With more than one group, data channels and filter output
// channels are sliced in as many contiguous groups, each pair is convolved separately and the results are
// concatenated back in the channels axis, in group order.
func convolveGrouped(data, filter *Node, p ConvParams) *Node {
	if p.Groups == 1 {
		return convolve(data, filter, p)
	}
	dataStep := data.Shape().Dim(1) / p.Groups
	filterStep := filter.Shape().Dim(0) / p.Groups
	klog.V(2).Infof("grouped convolution: %d groups of %d input and %d output channels", p.Groups, dataStep, filterStep)
	convs := make([]*Node, p.Groups)
	for group := range p.Groups {
		dataSlice := SliceAxis(data, 1, AxisRange(group*dataStep, (group+1)*dataStep))
		filterSlice := SliceAxis(filter, 0, AxisRange(group*filterStep, (group+1)*filterStep))
		convs[group] = convolve(dataSlice, filterSlice, p)
	}
	return Concatenate(convs, 1)
}

// convolve emits one ungrouped convolution with symmetric padding.
func convolve(data, filter *Node, p ConvParams) *Node {
	axes := channelsFirstAxes(data.Rank())
	if !allOnes(p.Stride) && !allOnes(p.Dilation) {
		// The builder only accepts one of strides or dilations.
		inputDilations := make([]int, p.SpatialRank())
		for i := range inputDilations {
			inputDilations[i] = 1
		}
		return ConvGeneral(data, filter, axes, p.Stride, p.Paddings(), inputDilations, p.Dilation, 1, 1)
	}
	return Convolve(data, filter).
		AxesConfig(axes).
		StridePerAxis(p.Stride...).
		DilationPerAxis(p.Dilation...).
		PaddingPerDim(p.Paddings()).
		Done()
}

// addBias adds bias, shaped [C], to the channels axis of x. It returns x unchanged if there is no bias.
func addBias(x *Node, bias Optional[*Node]) *Node {
	b, ok := bias.Get()
	if !ok {
		return x
	}
	if b.DType() != x.DType() {
		b = ConvertDType(b, x.DType())
	}
	return Add(x, reshapeToChannelAxis(b, x.Rank()))
}

// lowerConvolution lowers the MXNet Convolution operator.
func lowerConvolution(e *Emitter, node *OpNode) (*Node, error) {
	raw, err := ParseConvolutionParam(node.Attrs)
	if err != nil {
		return nil, err
	}
	ops, err := FixedSchema(raw.NoBias).Resolve(e, node)
	if err != nil {
		return nil, err
	}
	in, err := NewConvInputs(ops.Data, ops.Filter, ops.Bias, raw)
	if err != nil {
		return nil, err
	}
	return BuildConvolution(in)
}
