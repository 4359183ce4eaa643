package mxnet

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// ModelScope is the default scope for the MXNet symbol variables when converting to GoMLX.
var ModelScope = "MXNet"

// Prefixes MXNet uses for the keys of the parameters file: "arg:" for the learned parameters and
// "aux:" for the auxiliary states (e.g.: batch normalization moving statistics).
const (
	ArgPrefix = "arg:"
	AuxPrefix = "aux:"
)

// ParamName strips the "arg:" or "aux:" prefix of an MXNet parameters key.
func ParamName(key string) string {
	if name, found := strings.CutPrefix(key, ArgPrefix); found {
		return name
	}
	name, _ := strings.CutPrefix(key, AuxPrefix)
	return name
}

// SafeVarName converts an MXNet variable name to a GoMLX safe variable name by replacing the scope separator with a "|".
func SafeVarName(mxnetName string) (gomlxName string) {
	return strings.ReplaceAll(mxnetName, context.ScopeSeparator, "|")
}

// VariablesToContext creates variables in the context (within scope ModelScope) from the given parameters,
// keyed by the symbol variable names, optionally prefixed with "arg:" or "aux:".
//
// Call this once in your context, before using the symbol with Symbol.CallGraph.
// It fails if a parameter doesn't correspond to any variable of the symbol.
func (s *Symbol) VariablesToContext(ctx *context.Context, params map[string]*tensors.Tensor) error {
	ctx = ctx.In(ModelScope).Checked(false)
	for key, tensor := range params {
		name := ParamName(key)
		node := s.Node(name)
		if node == nil || node.Op != OpVariable {
			return invalidGraphf("parameter %q is not a variable of the symbol", key)
		}
		dshape, err := makeDynamicShape(node.Attrs)
		if err != nil {
			return errors.WithMessagef(err, "parameter %q", key)
		}
		if err = dshape.check(tensor.Shape(), make(map[string]int)); err != nil {
			return invalidGraphf("parameter %q: %v", key, err)
		}
		ctx.VariableWithValue(SafeVarName(name), tensor)
	}
	return nil
}

// ContextToParams returns the values of the symbol variables stored in the context, keyed by the
// variable name. It's the inverse of VariablesToContext: variables not in the context are skipped.
func (s *Symbol) ContextToParams(ctx *context.Context) (map[string]*tensors.Tensor, error) {
	ctx = ctx.In(ModelScope)
	params := make(map[string]*tensors.Tensor)
	for _, name := range s.InputsNames() {
		v := ctx.GetVariable(SafeVarName(name))
		if v == nil {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "Symbol.ContextToParams() getting value of variable %q", name)
		}
		params[name] = value
	}
	return params, nil
}
