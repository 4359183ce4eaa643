package mxnet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// CalibrationRange is the [Min, Max] range of values of a tensor, used to derive its symmetric
// quantization scale. Min and Max are Float32 scalars.
type CalibrationRange struct {
	Min, Max *Node
}

// StaticRange creates a range from constants, typically produced by an offline calibration.
func StaticRange(g *Graph, minValue, maxValue float64) CalibrationRange {
	return CalibrationRange{
		Min: Scalar(g, dtypes.Float32, minValue),
		Max: Scalar(g, dtypes.Float32, maxValue),
	}
}

// RangeFromNodes creates a range from single-element tensors (shaped [] or [1]).
func RangeFromNodes(minNode, maxNode *Node) CalibrationRange {
	return CalibrationRange{
		Min: ConvertDType(toScalar(minNode), dtypes.Float32),
		Max: ConvertDType(toScalar(maxNode), dtypes.Float32),
	}
}

// DynamicRange computes the range of x by reducing over all its elements.
func DynamicRange(x *Node) CalibrationRange {
	return RangeFromNodes(ReduceAllMin(x), ReduceAllMax(x))
}

// MaxAbs returns max(|min|, |max|), the half-width of the symmetric range.
func (r CalibrationRange) MaxAbs() *Node {
	return Max(Abs(r.Min), Abs(r.Max))
}

// QuantizedMax returns the largest value of the symmetric quantization to dtype:
// 127 for Int8, 255 for Uint8 and 2^31-1 for Int32.
func QuantizedMax(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Int8:
		return math.MaxInt8
	case dtypes.Uint8:
		return math.MaxUint8
	case dtypes.Int32:
		return math.MaxInt32
	}
	exceptions.Panicf("quantization to %s not supported, only Int8, Uint8 and Int32", dtype)
	panic(nil) // for lint benefit.
}

// SymmetricScale returns max(|min|, |max|) / QuantizedMax(dtype) for the range r. An empty range
// (min = max = 0) yields a scale of 1.
func SymmetricScale(r CalibrationRange, dtype dtypes.DType) *Node {
	maxAbs := r.MaxAbs()
	g := maxAbs.Graph()
	if dtype == dtypes.Int32 {
		maxAbs = ConvertDType(maxAbs, dtypes.Float64)
	}
	scale := Div(maxAbs, Scalar(g, maxAbs.DType(), QuantizedMax(dtype)))
	zero := ScalarZero(g, scale.DType())
	return Where(Equal(scale, zero), ScalarOne(g, scale.DType()), scale)
}

// Quantize x to dtype (Int8, Uint8 or Int32) using the symmetric scale of r:
// round(x / scale), with ties rounded to even, saturated to the range of dtype.
func Quantize(x *Node, r CalibrationRange, dtype dtypes.DType) *Node {
	return quantizeWithScale(x, SymmetricScale(r, dtype), dtype)
}

// quantizeWithScale rounds x/scale to the nearest integer (ties to even) and saturates it to the
// symmetric range of dtype.
func quantizeWithScale(x, scale *Node, dtype dtypes.DType) *Node {
	g := x.Graph()
	computeDType := dtypes.Float32
	if dtype == dtypes.Int32 {
		// Float32 can't represent all int32 values.
		computeDType = dtypes.Float64
	}
	x = ConvertDType(x, computeDType)
	scale = ConvertDType(scale, computeDType)
	qMax := QuantizedMax(dtype)
	qMin := -qMax
	if dtype == dtypes.Uint8 {
		qMin = 0
	}
	y := roundHalfToEven(Div(x, scale))
	y = Clip(y, Scalar(g, computeDType, qMin), Scalar(g, computeDType, qMax))
	return ConvertDType(y, dtype)
}

// roundHalfToEven rounds x to the nearest integer, with ties rounded to the even neighbour.
// Round rounds ties away from zero.
func roundHalfToEven(x *Node) *Node {
	g := x.Graph()
	tie := Equal(Sub(x, Floor(x)), Scalar(g, x.DType(), 0.5))
	// For a tie k+0.5, x/2 is never a tie, and 2*Round(x/2) is the even one of k and k+1.
	even := MulScalar(Round(MulScalar(x, 0.5)), 2)
	return Where(tie, even, Round(x))
}

// Dequantize converts q, quantized with the symmetric scale of r, back to Float32.
func Dequantize(q *Node, r CalibrationRange) *Node {
	return dequantizeWithScale(q, SymmetricScale(r, q.DType()))
}

func dequantizeWithScale(q, scale *Node) *Node {
	return ConvertDType(Mul(ConvertDType(q, scale.DType()), scale), dtypes.Float32)
}

// isQuantizedDType returns whether dtype is one of the 8 bits quantized types.
func isQuantizedDType(dtype dtypes.DType) bool {
	return dtype == dtypes.Int8 || dtype == dtypes.Uint8
}

// asQuantized returns x if it is already quantized to 8 bits, or x quantized to dtype with the range r otherwise.
func asQuantized(x *Node, r CalibrationRange, dtype dtypes.DType) *Node {
	if isQuantizedDType(x.DType()) {
		return x
	}
	return Quantize(x, r, dtype)
}

// integerConvolve convolves the 8 bits quantized data and filter, and returns the Int32 accumulator.
// The products are accumulated in Float64, exact while the accumulator stays below 2^53.
func integerConvolve(qData, qFilter *Node, p ConvParams) *Node {
	acc := convolve(ConvertDType(qData, dtypes.Float64), ConvertDType(qFilter, dtypes.Float64), p)
	return ConvertDType(acc, dtypes.Int32)
}
