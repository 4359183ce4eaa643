package mxnet

import (
	"strconv"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// dtypeForMXNet converts an MXNet type flag, as stored in the "__dtype__" attribute, to a GoMLX data type.
func dtypeForMXNet(typeFlag int) (dtypes.DType, error) {
	switch typeFlag {
	case 0:
		return dtypes.Float32, nil
	case 1:
		return dtypes.Float64, nil
	case 2:
		return dtypes.Float16, nil
	case 3:
		return dtypes.Uint8, nil
	case 4:
		return dtypes.Int32, nil
	case 5:
		return dtypes.Int8, nil
	case 6:
		return dtypes.Int64, nil
	case 7:
		return dtypes.Bool, nil
	case 8:
		return dtypes.Int16, nil
	case 9:
		return dtypes.Uint16, nil
	case 10:
		return dtypes.Uint32, nil
	case 11:
		return dtypes.Uint64, nil
	case 12:
		return dtypes.BFloat16, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown MXNet type flag %d", typeFlag)
	}
}

// parseDTypeAttr parses the "__dtype__" attribute value, which defaults to Float32 if empty.
func parseDTypeAttr(value string) (dtypes.DType, error) {
	if value == "" {
		return dtypes.Float32, nil
	}
	typeFlag, err := strconv.Atoi(value)
	if err != nil {
		return dtypes.InvalidDType, errors.Errorf("invalid MXNet __dtype__ %q", value)
	}
	return dtypeForMXNet(typeFlag)
}
