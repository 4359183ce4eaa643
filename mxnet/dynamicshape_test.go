package mxnet

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	s := &Symbol{Nodes: []*OpNode{
		{Op: OpVariable, Name: "i0", Attrs: Attributes{"__shape__": "(0, 7)"}},
		{Op: OpVariable, Name: "i1", Attrs: Attributes{"__shape__": "(0, 3)", "__dtype__": "4"}},
		{Op: OpVariable, Name: "i2"},
	}}
	require.NoError(t, s.init())

	// Example valid input, batch_size=5
	require.NoError(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3),
		shapes.Make(dtypes.Int8, 11)))

	// Wrong number of inputs:
	require.Error(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Wrong dtype:
	require.Error(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make( /**/ dtypes.Int64, 5, 3),
		shapes.Make(dtypes.Int8, 11)))

	// Wrong rank:
	require.Error(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7 /**/, 1),
		shapes.Make(dtypes.Int32, 5, 3),
		shapes.Make(dtypes.Int8, 11)))

	// Fixed dimension not matching:
	require.Error(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5 /**/, 4),
		shapes.Make(dtypes.Int8, 11)))

	// Batch dimension not matching:
	require.Error(t, s.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32 /**/, 6, 3),
		shapes.Make(dtypes.Int8, 11)))
}

func TestMakeDynamicShape(t *testing.T) {
	dshape, err := makeDynamicShape(Attributes{"__shape__": "(0, 3, 0)", "__dtype__": "5"})
	require.NoError(t, err)
	assert.True(t, dshape.IsDeclared())
	assert.Equal(t, dtypes.Int8, dshape.DType)
	assert.Equal(t, []int{-1, 3, -1}, dshape.Dimensions)
	assert.Equal(t, 3, dshape.Rank())
	assert.False(t, dshape.IsStatic())
	assert.Equal(t, shapes.Make(dtypes.Int8, 2, 3, 2), dshape.Shape(2))
	assert.Equal(t, "(Int8) [batch_size, 3, ?]", dshape.String())

	undeclared, err := makeDynamicShape(Attributes{"__dtype__": "0"})
	require.NoError(t, err)
	assert.False(t, undeclared.IsDeclared())
	assert.Equal(t, "(undeclared)", undeclared.String())

	_, err = makeDynamicShape(Attributes{"__shape__": "(1, 2)", "__dtype__": "99"})
	require.Error(t, err)
}
