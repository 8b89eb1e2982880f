package nn

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Checkpoint errors.
var (
	// ErrMissingCheckpointKey is matched (errors.Is) by every MissingKeyError.
	ErrMissingCheckpointKey = errors.New("missing checkpoint key")
	// ErrUnexpectedCheckpointKey reports state dict entries no parameter claims.
	ErrUnexpectedCheckpointKey = errors.New("unexpected checkpoint key")
)

// MissingKeyError reports a parameter with no entry in a state dict.
type MissingKeyError struct {
	Key string // full state dict key, e.g. "exits.1.0.weight"
}

// Error implements the error interface.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s: %q", ErrMissingCheckpointKey, e.Key)
}

// Unwrap lets errors.Is(err, ErrMissingCheckpointKey) succeed.
func (e *MissingKeyError) Unwrap() error {
	return ErrMissingCheckpointKey
}

// PrefixError qualifies an error from a child module's LoadStateDict with the
// child's key prefix (e.g. "exits.0.") so that the reported key is absolute.
func PrefixError(err error, prefix string) error {
	var missing *MissingKeyError
	if errors.As(err, &missing) {
		return &MissingKeyError{Key: prefix + missing.Key}
	}
	// Parameter load errors put the relative key first in Detail.
	var shapeErr *tensor.ShapeMismatchError
	if errors.As(err, &shapeErr) && shapeErr.Op == loadOp {
		return &tensor.ShapeMismatchError{Op: shapeErr.Op, Got: shapeErr.Got, Detail: prefix + shapeErr.Detail}
	}
	return errors.Wrapf(err, "%s", strings.TrimSuffix(prefix, "."))
}
