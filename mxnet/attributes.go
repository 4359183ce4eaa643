package mxnet

import (
	"slices"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Attributes holds the raw MXNet attributes of an operator, as the strings MXNet serializes
// them: tuples like "(3, 3)", booleans like "True", numbers and "None" for unset optional values.
type Attributes map[string]string

// lookup returns the attribute value, and false if it is absent or "None".
func (a Attributes) lookup(name string) (string, bool) {
	value, found := a[name]
	if !found {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" || value == "None" {
		return "", false
	}
	return value, true
}

// Has returns whether the attribute is set to something other than "None".
func (a Attributes) Has(name string) bool {
	_, found := a.lookup(name)
	return found
}

// IntOr returns the attribute as an int, or defaultValue if it is not set.
func (a Attributes) IntOr(name string, defaultValue int) (int, error) {
	value, found := a.lookup(name)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalidParamf("attribute %q=%q is not an integer", name, value)
	}
	return v, nil
}

// IntsOr returns the attribute parsed as a tuple of ints, or defaultValues if it is not set.
// It accepts "(1, 2)", "[1,2]", "(1,)" and a bare "1".
func (a Attributes) IntsOr(name string, defaultValues []int) ([]int, error) {
	value, found := a.lookup(name)
	if !found {
		return defaultValues, nil
	}
	value = strings.TrimPrefix(value, "(")
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, ")")
	value = strings.TrimSuffix(value, "]")
	values := []int{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil {
			return nil, invalidParamf("attribute %q=%q is not a tuple of integers", name, a[name])
		}
		values = append(values, v)
	}
	return values, nil
}

// FloatOr returns the attribute as a float64, or defaultValue if it is not set.
func (a Attributes) FloatOr(name string, defaultValue float64) (float64, error) {
	value, found := a.lookup(name)
	if !found {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, invalidParamf("attribute %q=%q is not a number", name, value)
	}
	return v, nil
}

// OptionalFloat returns the attribute as a float64, if it is set.
func (a Attributes) OptionalFloat(name string) (Optional[float64], error) {
	if !a.Has(name) {
		return None[float64](), nil
	}
	v, err := a.FloatOr(name, 0)
	if err != nil {
		return None[float64](), err
	}
	return Some(v), nil
}

// BoolOr returns the attribute as a bool, or defaultValue if it is not set.
func (a Attributes) BoolOr(name string, defaultValue bool) (bool, error) {
	value, found := a.lookup(name)
	if !found {
		return defaultValue, nil
	}
	switch strings.ToLower(value) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, invalidParamf("attribute %q=%q is not a boolean", name, value)
}

// StringOr returns the attribute value, or defaultValue if it is not set.
func (a Attributes) StringOr(name, defaultValue string) string {
	value, found := a.lookup(name)
	if !found {
		return defaultValue
	}
	return value
}

// knownAttributes are interpreted by the lowering, or only affect how MXNet runs the operator.
var knownAttributes = []string{
	"kernel", "stride", "dilate", "pad", "num_filter", "num_group", "no_bias", "layout",
	"workspace", "cudnn_tune", "cudnn_off",
	"with_bn", "with_relu", "with_sum", "with_postsum_relu", "quantized",
	"min_calib_range", "max_calib_range", "eps", "fix_gamma", "use_global_stats", "momentum",
}

// warnIgnoredAttributes logs the attributes of node not interpreted by the lowering.
// Attributes starting with "__" are MXNet annotations, like "__shape__", and are never reported.
func warnIgnoredAttributes(node *OpNode) {
	for name := range node.Attrs {
		if strings.HasPrefix(name, "__") || slices.Contains(knownAttributes, name) {
			continue
		}
		klog.Warningf("%s: ignoring attribute %s=%q", node, name, node.Attrs[name])
	}
}
