package mxnet

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// ConvolutionParam is the raw convolution configuration, as parsed from the operator attributes.
// Empty sequences mean "use the default".
type ConvolutionParam struct {
	Kernel    []int
	Stride    []int
	Dilate    []int
	Pad       []int
	NumFilter int
	NumGroup  int
	NoBias    bool
	Layout    string
}

// ParseConvolutionParam parses the convolution attributes of an MXNet Convolution (or fused/quantized
// convolution) operator.
func ParseConvolutionParam(attrs Attributes) (p ConvolutionParam, err error) {
	if p.Kernel, err = attrs.IntsOr("kernel", nil); err != nil {
		return
	}
	if p.Stride, err = attrs.IntsOr("stride", nil); err != nil {
		return
	}
	if p.Dilate, err = attrs.IntsOr("dilate", nil); err != nil {
		return
	}
	if p.Pad, err = attrs.IntsOr("pad", nil); err != nil {
		return
	}
	if p.NumFilter, err = attrs.IntOr("num_filter", 0); err != nil {
		return
	}
	if p.NumGroup, err = attrs.IntOr("num_group", 1); err != nil {
		return
	}
	if p.NoBias, err = attrs.BoolOr("no_bias", false); err != nil {
		return
	}
	p.Layout = attrs.StringOr("layout", "")
	return
}

// ConvParams is the normalized convolution configuration: every geometry sequence has one
// value per spatial axis of the data.
type ConvParams struct {
	// Pad is applied symmetrically, at the start and at the end of each spatial axis.
	Pad      []int
	Stride   []int
	Dilation []int
	Groups   int
	NoBias   bool

	// Kernel and NumFilter are only used to validate the filter shape, if set.
	Kernel    []int
	NumFilter int
}

// SpatialRank returns the number of spatial axes.
func (p ConvParams) SpatialRank() int {
	return len(p.Pad)
}

// Paddings returns the padding per spatial axis in the form used by the GoMLX convolution.
func (p ConvParams) Paddings() [][2]int {
	paddings := make([][2]int, len(p.Pad))
	for axis, pad := range p.Pad {
		paddings[axis] = [2]int{pad, pad}
	}
	return paddings
}

// channelsFirstLayouts are the accepted layouts: batch, channels and then the spatial axes.
var channelsFirstLayouts = []string{"", "NCW", "NCHW", "NCDHW"}

// NormalizeConvParams validates raw against the rank of the data tensor and fills in the defaults:
// stride and dilation 1, padding 0, one group.
func NormalizeConvParams(raw ConvolutionParam, dataRank int) (ConvParams, error) {
	spatialRank := dataRank - 2
	if spatialRank < 1 {
		return ConvParams{}, invalidParamf("convolution data must have rank >= 3 ([batch, channels, spatial...]), got rank %d", dataRank)
	}
	if !slices.Contains(channelsFirstLayouts, raw.Layout) {
		return ConvParams{}, notImplementedf("convolution layout %q, only channels-first layouts are supported", raw.Layout)
	}

	p := ConvParams{
		Groups:    raw.NumGroup,
		NoBias:    raw.NoBias,
		NumFilter: raw.NumFilter,
	}
	var err error
	if p.Stride, err = normalizeSequence("stride", raw.Stride, spatialRank, 1, 1); err != nil {
		return ConvParams{}, err
	}
	if p.Dilation, err = normalizeSequence("dilate", raw.Dilate, spatialRank, 1, 1); err != nil {
		return ConvParams{}, err
	}
	if p.Pad, err = normalizeSequence("pad", raw.Pad, spatialRank, 0, 0); err != nil {
		return ConvParams{}, err
	}
	if len(raw.Kernel) > 0 {
		if p.Kernel, err = normalizeSequence("kernel", raw.Kernel, spatialRank, 1, 1); err != nil {
			return ConvParams{}, err
		}
	}
	if p.Groups < 1 {
		return ConvParams{}, invalidParamf("convolution num_group must be >= 1, got %d", p.Groups)
	}
	if p.NumFilter < 0 {
		return ConvParams{}, invalidParamf("convolution num_filter must be >= 0, got %d", p.NumFilter)
	}
	return p, nil
}

// normalizeSequence returns a copy of values with one value per spatial axis, or defaultValue repeated
// if values is empty.
func normalizeSequence(name string, values []int, spatialRank, defaultValue, minValue int) ([]int, error) {
	if len(values) == 0 {
		out := make([]int, spatialRank)
		for ii := range out {
			out[ii] = defaultValue
		}
		return out, nil
	}
	if len(values) != spatialRank {
		return nil, invalidParamf("convolution %s=%v has %d values, but data has %d spatial axes", name, values, len(values), spatialRank)
	}
	for _, v := range values {
		if v < minValue {
			return nil, invalidParamf("convolution %s=%v values must be >= %d", name, values, minValue)
		}
	}
	return slices.Clone(values), nil
}

// checkFilter validates the filter shape against the configured kernel and number of filters.
func (p ConvParams) checkFilter(filter shapes.Shape) error {
	if filter.Rank() != p.SpatialRank()+2 {
		return invalidGraphf("convolution filter must have rank %d ([out_channels, in_channels, spatial...]), got %s",
			p.SpatialRank()+2, filter)
	}
	if p.NumFilter > 0 && filter.Dim(0) != p.NumFilter {
		return invalidParamf("convolution num_filter=%d doesn't match filter %s", p.NumFilter, filter)
	}
	if len(p.Kernel) > 0 && !slices.Equal(p.Kernel, filter.Dimensions[2:]) {
		return invalidParamf("convolution kernel=%v doesn't match filter %s", p.Kernel, filter)
	}
	return nil
}

// OutputSpatialDims returns the spatial dimensions of the convolution output for the given input
// and kernel spatial dimensions:
//
//	out[i] = floor((in[i] + 2*pad[i] - dilation[i]*(kernel[i]-1) - 1) / stride[i]) + 1
func (p ConvParams) OutputSpatialDims(inputDims, kernelDims []int) ([]int, error) {
	if len(inputDims) != p.SpatialRank() || len(kernelDims) != p.SpatialRank() {
		return nil, invalidParamf("expected %d spatial dimensions, got input %v and kernel %v", p.SpatialRank(), inputDims, kernelDims)
	}
	out := make([]int, len(inputDims))
	for axis := range inputDims {
		effective := inputDims[axis] + 2*p.Pad[axis] - p.Dilation[axis]*(kernelDims[axis]-1) - 1
		if effective < 0 {
			return nil, invalidGraphf("convolution kernel %v (dilation %v) larger than padded input %v", kernelDims, p.Dilation, inputDims)
		}
		out[axis] = effective/p.Stride[axis] + 1
	}
	return out, nil
}
