// Package mxnet lowers MXNet convolution operators into GoMLX computation graphs.
//
// It covers the plain `Convolution` operator, the fused `_sg_mkldnn_conv` subgraph operator
// (batch-norm, elementwise sum and ReLU folded onto the convolution) and the two quantized
// variants: the 3-outputs quantized `_sg_mkldnn_conv`, which computes its own filter range, and
// `_contrib_quantized_conv`, which receives every range as an input.
//
// The lowering is driven by an Emitter, that reads already converted upstream nodes from a
// Producers map and records multi-output nodes in a MultiOutputRegistry. Symbol.CallGraph
// provides the enclosing pass for a whole MXNet symbol graph.
//
// Unlike most GoMLX graph building functions, the lowering functions return errors instead of
// panicking: see ErrInvalidGraph, ErrInvalidParam and ErrNotImplemented.
package mxnet
