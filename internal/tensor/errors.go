package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is matched (errors.Is) by every ShapeMismatchError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeMismatchError reports a tensor whose dimensions are incompatible with
// an operator or a layer's fixed weight shapes. It indicates a topology error
// and is never retried.
type ShapeMismatchError struct {
	Op     string // Operator or layer that rejected the tensor (e.g. "conv2d")
	Got    Shape  // Offending shape
	Detail string // Human readable explanation
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	if e.Got != nil {
		return fmt.Sprintf("%s: %s: got shape %v: %s", e.Op, ErrShapeMismatch, e.Got, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrShapeMismatch, e.Detail)
}

// Unwrap lets errors.Is(err, ErrShapeMismatch) succeed.
func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

// PanicShape panics with a *ShapeMismatchError. Backends and layers use it for
// structural misuse; API boundaries recover it into a regular error.
func PanicShape(op string, got Shape, format string, args ...any) {
	var shape Shape
	if got != nil {
		shape = got.Clone()
	}
	panic(&ShapeMismatchError{Op: op, Got: shape, Detail: fmt.Sprintf(format, args...)})
}
