package mxnet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicShape represents the declared shape of a symbol input, for which some of the axes may have
// unknown dimensions.
//
// Similar to GoMLX Shape but some of the dimensions may be -1 (0 in MXNet), denoting an undefined dimension.
// Undefined batch dimensions (axis 0) are named BatchDimension, and must match across all inputs.
type DynamicShape struct {
	dtypes.DType
	Dimensions []int
	Names      []string
}

const (
	// BatchDimension is the name of an undefined dimension on axis 0.
	BatchDimension = "batch_size"

	// UnnamedDynamicDimension is a placeholder name for an undefined dimension, that doesn't need to match any other.
	UnnamedDynamicDimension = "?"
)

// makeDynamicShape converts the MXNet "__shape__" and "__dtype__" attributes of a variable to a DynamicShape.
// Variables without a "__shape__" attribute have an undeclared shape, with an InvalidDType.
func makeDynamicShape(attrs Attributes) (dshape DynamicShape, err error) {
	if !attrs.Has("__shape__") {
		return
	}
	dshape.DType, err = parseDTypeAttr(attrs.StringOr("__dtype__", ""))
	if err != nil {
		return
	}
	var dims []int
	dims, err = attrs.IntsOr("__shape__", nil)
	if err != nil {
		return
	}
	dshape.Dimensions = make([]int, len(dims))
	dshape.Names = make([]string, len(dims))
	for axis, dim := range dims {
		switch {
		case dim > 0:
			dshape.Dimensions[axis] = dim
			dshape.Names[axis] = strconv.Itoa(dim)
		case axis == 0:
			dshape.Dimensions[axis] = -1
			dshape.Names[axis] = BatchDimension
		default:
			dshape.Dimensions[axis] = -1
			dshape.Names[axis] = UnnamedDynamicDimension
		}
	}
	return
}

// IsDeclared returns whether the variable declared its shape.
func (dshape DynamicShape) IsDeclared() bool {
	return dshape.DType != dtypes.InvalidDType
}

// Rank returns the DynamicShape's rank.
func (dshape DynamicShape) Rank() int {
	return len(dshape.Dimensions)
}

// IsStatic returns whether all dimensions are known.
func (dshape DynamicShape) IsStatic() bool {
	for _, dim := range dshape.Dimensions {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Shape returns the static shape, with undefined dimensions replaced by defaultDim.
func (dshape DynamicShape) Shape(defaultDim int) shapes.Shape {
	dims := make([]int, len(dshape.Dimensions))
	for axis, dim := range dshape.Dimensions {
		if dim < 0 {
			dim = defaultDim
		}
		dims[axis] = dim
	}
	return shapes.Make(dshape.DType, dims...)
}

// String implements fmt.Stringer.
func (dshape DynamicShape) String() string {
	if !dshape.IsDeclared() {
		return "(undeclared)"
	}
	if len(dshape.Dimensions) == 0 {
		return fmt.Sprintf("(%s)", dshape.DType)
	}
	return fmt.Sprintf("(%s) [%s]", dshape.DType, strings.Join(dshape.Names, ", "))
}

// ValidateInputs checks the inputs have shapes compatible with the DynamicShapes declared by the symbol inputs.
// Inputs without a declared shape accept any shape.
func (s *Symbol) ValidateInputs(inputsShapes ...shapes.Shape) error {
	names := s.InputsNames()
	if len(inputsShapes) != len(names) {
		return errors.Errorf("symbol takes %d inputs, but %d inputs provided",
			len(names), len(inputsShapes))
	}
	declared, err := s.InputsShapes()
	if err != nil {
		return err
	}
	dimValues := make(map[string]int)
	for idx, givenShape := range inputsShapes {
		err := declared[idx].check(givenShape, dimValues)
		if err != nil {
			return errors.WithMessagef(err, "symbol input #%d (%q)", idx, names[idx])
		}
	}
	return nil
}

// check that given is compatible with dshape. Named undefined dimensions are matched against (or, the
// first time, recorded into) dimValues.
func (dshape DynamicShape) check(given shapes.Shape, dimValues map[string]int) error {
	if !dshape.IsDeclared() {
		return nil
	}
	if given.Rank() != dshape.Rank() {
		return errors.Errorf("should be rank %d, got rank %d instead", dshape.Rank(), given.Rank())
	}
	if given.DType != dshape.DType {
		return errors.Errorf("should have dtype %s, got dtype %s instead", dshape.DType, given.DType)
	}
	for axis, wantDim := range dshape.Dimensions {
		gotDim := given.Dim(axis)
		if wantDim > 0 {
			if wantDim != gotDim {
				return errors.Errorf("has invalid shape: want %s, got %s", dshape, given)
			}
			continue
		}
		dimName := dshape.Names[axis]
		if dimName == UnnamedDynamicDimension {
			continue
		}
		if wantDim, found := dimValues[dimName]; !found {
			dimValues[dimName] = gotDim
		} else if wantDim != gotDim {
			return errors.Errorf("shaped %s got unmatching invalid shape %s for axis %q (wanted dim %d)",
				dshape, given, dimName, wantDim)
		}
	}
	return nil
}
