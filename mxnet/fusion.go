package mxnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/pkg/errors"
)

// Defaults of the MXNet BatchNorm operator.
const (
	DefaultBatchNormEpsilon  = 1e-3
	DefaultBatchNormFixGamma = true
)

// BatchNormParams configures an inference batch normalization. All tensors are shaped [C].
type BatchNormParams struct {
	Gamma, Beta, MovingMean, MovingVar *Node
	Epsilon                            float64

	// FixGamma ignores Gamma and uses 1 instead.
	FixGamma bool
}

// newBatchNormParams collects the batch normalization operands and attributes of a fused operator.
func newBatchNormParams(ops ConvOperands, attrs Attributes) (bn BatchNormParams, err error) {
	var ok [4]bool
	bn.Gamma, ok[0] = ops.Gamma.Get()
	bn.Beta, ok[1] = ops.Beta.Get()
	bn.MovingMean, ok[2] = ops.MovingMean.Get()
	bn.MovingVar, ok[3] = ops.MovingVar.Get()
	for _, present := range ok {
		if !present {
			return bn, invalidGraphf("batch normalization requires gamma, beta, moving_mean and moving_var")
		}
	}
	if bn.Epsilon, err = attrs.FloatOr("eps", DefaultBatchNormEpsilon); err != nil {
		return
	}
	bn.FixGamma, err = attrs.BoolOr("fix_gamma", DefaultBatchNormFixGamma)
	return
}

// scale returns gamma / sqrt(var + epsilon), shaped [C].
func (bn BatchNormParams) scale() *Node {
	gamma := bn.Gamma
	if bn.FixGamma {
		gamma = OnesLike(bn.MovingMean)
	}
	g := bn.MovingVar.Graph()
	return Div(gamma, Sqrt(Add(bn.MovingVar, Scalar(g, bn.MovingVar.DType(), bn.Epsilon))))
}

// BatchNormInference normalizes the channels (axis 1) of x:
//
//	y = gamma * (x - mean) / sqrt(var + epsilon) + beta
func BatchNormInference(x *Node, bn BatchNormParams) *Node {
	rank := x.Rank()
	gamma := bn.Gamma
	if bn.FixGamma {
		gamma = OnesLike(bn.MovingMean)
	}
	gamma = reshapeToChannelAxis(gamma, rank)
	beta := reshapeToChannelAxis(bn.Beta, rank)
	mean := reshapeToChannelAxis(bn.MovingMean, rank)
	variance := reshapeToChannelAxis(bn.MovingVar, rank)
	normed := Div(Sub(x, mean), Sqrt(Add(variance, Scalar(x.Graph(), variance.DType(), bn.Epsilon))))
	return Add(Mul(gamma, normed), beta)
}

// FusionOptions configures the operations fused after a convolution (and its bias).
type FusionOptions struct {
	BatchNorm Optional[BatchNormParams]

	// Relu is applied after the batch normalization and before the sum.
	Relu bool

	// Sum is added elementwise to the result.
	Sum Optional[*Node]

	// PostSumRelu is applied after the sum.
	PostSumRelu bool
}

// EndsWithRelu returns whether the last fused operation is a ReLU, in which case the output
// is non-negative.
func (opts FusionOptions) EndsWithRelu() bool {
	if opts.Sum.IsSome() {
		return opts.PostSumRelu
	}
	return opts.Relu
}

// ApplyFusion applies to x, in order: batch normalization, ReLU, elementwise sum and post-sum ReLU,
// each one only if configured.
func ApplyFusion(x *Node, opts FusionOptions) *Node {
	if bn, ok := opts.BatchNorm.Get(); ok {
		x = BatchNormInference(x, bn)
	}
	if opts.Relu {
		x = activations.Relu(x)
	}
	if sum, ok := opts.Sum.Get(); ok {
		if sum.DType() != x.DType() {
			sum = ConvertDType(sum, x.DType())
		}
		x = Add(x, sum)
		if opts.PostSumRelu {
			x = activations.Relu(x)
		}
	}
	return x
}

// fusionOptions builds the FusionOptions of a fused operator from its flags and resolved operands.
func fusionOptions(flags ConvFusionFlags, ops ConvOperands, attrs Attributes) (opts FusionOptions, err error) {
	if flags.WithBN {
		var bn BatchNormParams
		if bn, err = newBatchNormParams(ops, attrs); err != nil {
			return
		}
		opts.BatchNorm = Some(bn)
	}
	opts.Relu = flags.WithRelu
	opts.Sum = ops.Sum
	opts.PostSumRelu = flags.WithSum && flags.WithPostSumRelu
	return
}

// lowerFusedConvolution lowers a non-quantized `_sg_mkldnn_conv`: convolution with bias, followed by
// the fused batch normalization, ReLU and sum.
func lowerFusedConvolution(e *Emitter, node *OpNode, flags ConvFusionFlags) (*Node, error) {
	raw, err := ParseConvolutionParam(node.Attrs)
	if err != nil {
		return nil, err
	}
	schema := FusionSchema(flags)
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
	conv, err := BuildConvolution(in)
	if err != nil {
		return nil, err
	}
	out, err := tryGraph(func() *Node { return ApplyFusion(conv, opts) })
	if err != nil {
		return nil, errors.WithMessagef(err, "fusing %+v", flags)
	}
	return out, nil
}
