package mxnet

import (
	"github.com/pkg/errors"
)

// Kinds of lowering errors. Errors returned by this package wrap one of them, use errors.Is to test.
var (
	// ErrInvalidGraph is returned when an input reference can't be resolved, or when the
	// shapes of the inputs can't be combined.
	ErrInvalidGraph = errors.New("invalid graph")

	// ErrInvalidParam is returned for inconsistent operator attributes, or missing calibration constants.
	ErrInvalidParam = errors.New("invalid parameter")

	// ErrNotImplemented is returned for operator configurations not supported.
	ErrNotImplemented = errors.New("not implemented")
)

func invalidGraphf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidGraph, format, args...)
}

func invalidParamf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidParam, format, args...)
}

func notImplementedf(format string, args ...any) error {
	return errors.Wrapf(ErrNotImplemented, format, args...)
}
