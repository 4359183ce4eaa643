package mxnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// QuantizedConvolution configures a quantized convolution with bias, whose result is requantized
// to the static output range.
type QuantizedConvolution struct {
	// Data and Filter are quantized to 8 bits, with the given scales.
	Data, DataScale     *Node
	Filter, FilterScale *Node

	// Bias is quantized to Int32, shaped [O], with the scale BiasScale.
	Bias, BiasScale *Node

	// Output is the calibrated range of the result.
	Output CalibrationRange
	Params ConvParams

	// Fusion applied on the dequantized result, before requantization. BatchNorm is not used:
	// it must be folded into Filter and Bias.
	Fusion FusionOptions
}

// OutputDType returns Uint8 if the last fused operation is a ReLU, and Int8 otherwise.
func (qc QuantizedConvolution) OutputDType() dtypes.DType {
	if qc.Fusion.EndsWithRelu() {
		return dtypes.Uint8
	}
	return dtypes.Int8
}

// Build emits the integer convolution, dequantizes the accumulator and adds the bias, applies the
// fusion and requantizes the result to OutputDType.
func (qc QuantizedConvolution) Build() *Node {
	acc := integerConvolve(qc.Data, qc.Filter, qc.Params)
	accScale := Mul(ConvertDType(qc.DataScale, dtypes.Float32), ConvertDType(qc.FilterScale, dtypes.Float32))
	y := Mul(ConvertDType(acc, dtypes.Float32), accScale)
	y = addBias(y, Some(dequantizeWithScale(qc.Bias, qc.BiasScale)))
	y = ApplyFusion(y, qc.Fusion)
	return Quantize(y, qc.Output, qc.OutputDType())
}

// staticOutputRange returns the output calibration range from the "min_calib_range" and
// "max_calib_range" attributes, which are required.
func staticOutputRange(g *Graph, attrs Attributes) (CalibrationRange, error) {
	minCalib, err := attrs.OptionalFloat("min_calib_range")
	if err != nil {
		return CalibrationRange{}, err
	}
	maxCalib, err := attrs.OptionalFloat("max_calib_range")
	if err != nil {
		return CalibrationRange{}, err
	}
	minValue, okMin := minCalib.Get()
	maxValue, okMax := maxCalib.Get()
	if !okMin || !okMax {
		return CalibrationRange{}, invalidParamf("quantized convolution requires the calibration constants min_calib_range and max_calib_range")
	}
	if minValue > maxValue {
		return CalibrationRange{}, invalidParamf("quantized convolution min_calib_range=%g > max_calib_range=%g", minValue, maxValue)
	}
	return StaticRange(g, minValue, maxValue), nil
}

// checkQuantizedSupport fails with ErrNotImplemented for configurations the quantized convolutions don't support.
func checkQuantizedSupport(raw ConvolutionParam) error {
	if raw.NumGroup != 1 {
		return notImplementedf("quantized convolution with num_group=%d, only 1 group is supported", raw.NumGroup)
	}
	if raw.NoBias {
		return notImplementedf("quantized convolution without bias")
	}
	return nil
}

// lowerQuantizedFusedConvolution lowers the quantized `_sg_mkldnn_conv`, with 3 outputs: the quantized
// result, and the min and max of the filter, computed in the graph.
//
// The filter (with the batch normalization folded in) is quantized to Int8 and the bias to Int32, both
// scaled by the filter's own range. The outputs are recorded in the emitter's MultiOutputRegistry.
func lowerQuantizedFusedConvolution(e *Emitter, node *OpNode, flags ConvFusionFlags) (*Node, error) {
	raw, err := ParseConvolutionParam(node.Attrs)
	if err != nil {
		return nil, err
	}
	if err = checkQuantizedSupport(raw); err != nil {
		return nil, err
	}
	outputRange, err := staticOutputRange(e.Graph(), node.Attrs)
	if err != nil {
		return nil, err
	}
	schema := FusionSchema(flags)
	klog.V(2).Infof("%s: %s", node, schema)
	ops, err := schema.Resolve(e, node)
	if err != nil {
		return nil, err
	}
	in, err := NewConvInputs(ops.Data, ops.Filter, ops.Bias, raw)
	if err != nil {
		return nil, err
	}
	opts, err := fusionOptions(flags, ops, node.Attrs)
	if err != nil {
		return nil, err
	}
	dataMin, _ := ops.DataMin.Get()
	dataMax, _ := ops.DataMax.Get()

	outputs, err := tryGraphN(func() []*Node {
		filter, bias := in.Filter, in.Bias.OrElse(nil)
		if bn, ok := opts.BatchNorm.Get(); ok {
			filter, bias = foldBatchNorm(filter, bias, bn)
			opts.BatchNorm = None[BatchNormParams]()
		}
		if sum, ok := opts.Sum.Get(); ok && isQuantizedDType(sum.DType()) {
			sumMin, _ := ops.SumMin.Get()
			sumMax, _ := ops.SumMax.Get()
			opts.Sum = Some(Dequantize(sum, RangeFromNodes(sumMin, sumMax)))
		}

		dataRange := RangeFromNodes(dataMin, dataMax)
		qData := asQuantized(in.Data, dataRange, dtypes.Int8)
		filterRange := DynamicRange(filter)
		qc := QuantizedConvolution{
			Data:        qData,
			DataScale:   SymmetricScale(dataRange, qData.DType()),
			Filter:      Quantize(filter, filterRange, dtypes.Int8),
			FilterScale: SymmetricScale(filterRange, dtypes.Int8),
			Bias:        Quantize(bias, filterRange, dtypes.Int32),
			BiasScale:   SymmetricScale(filterRange, dtypes.Int32),
			Output:      outputRange,
			Params:      in.Params,
			Fusion:      opts,
		}
		return []*Node{qc.Build(), filterRange.Min, filterRange.Max}
	})
	if err != nil {
		return nil, err
	}
	if err = e.Registry().Register(node.ID, outputs); err != nil {
		return nil, err
	}
	return outputs[0], nil
}

// foldBatchNorm folds the inference batch normalization into the filter and bias of the convolution:
//
//	filter' = filter * s, bias' = (bias - mean) * s + beta, where s = gamma / sqrt(var + epsilon)
func foldBatchNorm(filter, bias *Node, bn BatchNormParams) (*Node, *Node) {
	s := bn.scale()
	dims := make([]int, filter.Rank())
	for axis := range dims {
		dims[axis] = 1
	}
	dims[0] = s.Shape().Dim(0)
	filter = Mul(filter, Reshape(ConvertDType(s, filter.DType()), dims...))
	bias = Add(Mul(Sub(ConvertDType(bias, s.DType()), bn.MovingMean), s), bn.Beta)
	return filter, bias
}

// lowerQuantizedConvolution lowers `_contrib_quantized_conv`: all ranges are given as inputs (data min/max
// in slots 3 and 4, filter min/max in slots 5 and 6) and the output range by the calibration attributes.
// It has a single output.
func lowerQuantizedConvolution(e *Emitter, node *OpNode) (*Node, error) {
	raw, err := ParseConvolutionParam(node.Attrs)
	if err != nil {
		return nil, err
	}
	if err = checkQuantizedSupport(raw); err != nil {
		return nil, err
	}
	withRelu, err := node.Attrs.BoolOr("with_relu", false)
	if err != nil {
		return nil, err
	}
	outputRange, err := staticOutputRange(e.Graph(), node.Attrs)
	if err != nil {
		return nil, err
	}
	ops, err := QuantizedConvSchema().Resolve(e, node)
	if err != nil {
		return nil, err
	}
	in, err := NewConvInputs(ops.Data, ops.Filter, ops.Bias, raw)
	if err != nil {
		return nil, err
	}
	bias, _ := in.Bias.Get()
	dataMin, _ := ops.DataMin.Get()
	dataMax, _ := ops.DataMax.Get()
	filterMin, _ := ops.FilterMin.Get()
	filterMax, _ := ops.FilterMax.Get()
	if bias.DType() != dtypes.Int32 && !bias.DType().IsFloat() {
		return nil, invalidGraphf("quantized convolution bias must be Int32 or float, got %s", bias.DType())
	}

	return tryGraph(func() *Node {
		dataRange := RangeFromNodes(dataMin, dataMax)
		filterRange := RangeFromNodes(filterMin, filterMax)
		qData := asQuantized(in.Data, dataRange, dtypes.Int8)
		dataScale := SymmetricScale(dataRange, qData.DType())
		filterScale := SymmetricScale(filterRange, dtypes.Int8)
		biasScale := Mul(dataScale, filterScale)
		qBias := bias
		if qBias.DType() != dtypes.Int32 {
			qBias = quantizeWithScale(bias, biasScale, dtypes.Int32)
		}
		qc := QuantizedConvolution{
			Data:        qData,
			DataScale:   dataScale,
			Filter:      asQuantized(in.Filter, filterRange, dtypes.Int8),
			FilterScale: filterScale,
			Bias:        qBias,
			BiasScale:   biasScale,
			Output:      outputRange,
			Params:      in.Params,
			Fusion:      FusionOptions{Relu: withRelu},
		}
		return qc.Build()
	})
}
