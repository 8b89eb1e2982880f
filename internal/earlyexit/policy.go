package earlyexit

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/branchynet/internal/tensor"
)

// ErrBatchSizeViolation is returned when a fast-inference decision is asked
// for more than one sample at a time.
var ErrBatchSizeViolation = errors.New("fast inference requires batch size 1")

// ErrUnknownCriterion is returned by PolicyByName for unrecognized names.
var ErrUnknownCriterion = errors.New("unknown exit criterion")

// Exit criterion names.
const (
	CriterionTop1    = "top1"
	CriterionEntropy = "entropy"

	DefaultCriterion = CriterionTop1
	DefaultThreshold = 0.5
)

// Policy decides whether a non-terminal exit may return its scores.
//
// Policies are immutable values; WithThreshold returns a copy. Inequalities
// are strict, so a score exactly at the threshold never exits.
type Policy interface {
	// Name returns the criterion name ("top1" or "entropy").
	Name() string
	// Threshold returns the exit threshold.
	Threshold() float64
	// WithThreshold returns the same criterion with another threshold.
	WithThreshold(threshold float64) Policy
	// ShouldExit inspects raw class scores of shape [1, classes].
	ShouldExit(scores *tensor.RawTensor) (bool, error)
}

// EntropyPolicy exits when the entropy of softmax(scores) is below Limit.
type EntropyPolicy struct {
	Limit float64
}

// Name implements Policy.
func (p EntropyPolicy) Name() string { return CriterionEntropy }

// Threshold implements Policy.
func (p EntropyPolicy) Threshold() float64 { return p.Limit }

// WithThreshold implements Policy.
func (p EntropyPolicy) WithThreshold(threshold float64) Policy {
	return EntropyPolicy{Limit: threshold}
}

// ShouldExit reports H(softmax(scores)) < Limit.
func (p EntropyPolicy) ShouldExit(scores *tensor.RawTensor) (bool, error) {
	probs, err := sampleProbabilities(scores)
	if err != nil {
		return false, err
	}
	return Entropy(probs) < p.Limit, nil
}

// String implements fmt.Stringer.
func (p EntropyPolicy) String() string { return fmt.Sprintf("entropy < %g", p.Limit) }

// Top1Policy exits when the largest softmax probability exceeds Limit.
type Top1Policy struct {
	Limit float64
}

// Name implements Policy.
func (p Top1Policy) Name() string { return CriterionTop1 }

// Threshold implements Policy.
func (p Top1Policy) Threshold() float64 { return p.Limit }

// WithThreshold implements Policy.
func (p Top1Policy) WithThreshold(threshold float64) Policy { return Top1Policy{Limit: threshold} }

// ShouldExit reports max(softmax(scores)) > Limit.
func (p Top1Policy) ShouldExit(scores *tensor.RawTensor) (bool, error) {
	probs, err := sampleProbabilities(scores)
	if err != nil {
		return false, err
	}
	return Top1(probs) > p.Limit, nil
}

// String implements fmt.Stringer.
func (p Top1Policy) String() string { return fmt.Sprintf("top1 > %g", p.Limit) }

// PolicyByName returns the policy for a criterion name. An empty name
// selects DefaultCriterion.
func PolicyByName(name string, threshold float64) (Policy, error) {
	switch name {
	case "", CriterionTop1:
		return Top1Policy{Limit: threshold}, nil
	case CriterionEntropy:
		return EntropyPolicy{Limit: threshold}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownCriterion, "%q (want %q or %q)", name, CriterionTop1, CriterionEntropy)
	}
}

// Softmax returns exp(x - max) / sum(exp(x - max)).
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	out := make([]float64, len(logits))
	copy(out, logits)
	floats.AddConst(-floats.Max(out), out)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Entropy returns -sum(p * log p) in nats. Zero probabilities contribute
// nothing.
func Entropy(probs []float64) float64 {
	return stat.Entropy(probs)
}

// Top1 returns the largest probability.
func Top1(probs []float64) float64 {
	if len(probs) == 0 {
		return 0
	}
	return floats.Max(probs)
}

// Argmax returns the index of the largest score in a single-sample score
// tensor, or an error if the tensor holds more than one sample.
func Argmax(scores *tensor.RawTensor) (int, error) {
	logits, err := sampleLogits(scores)
	if err != nil {
		return 0, err
	}
	return floats.MaxIdx(logits), nil
}

// sampleLogits widens a [1, classes] (or [classes]) score tensor to float64.
func sampleLogits(scores *tensor.RawTensor) ([]float64, error) {
	shape := scores.Shape()
	switch {
	case len(shape) == 2 && shape[0] != 1:
		return nil, errors.Wrapf(ErrBatchSizeViolation, "scores of shape %v", shape)
	case len(shape) != 1 && len(shape) != 2:
		return nil, &tensor.ShapeMismatchError{Op: "exit_policy", Got: shape.Clone(), Detail: "expected [1, classes]"}
	case scores.NumElements() == 0:
		return nil, &tensor.ShapeMismatchError{Op: "exit_policy", Got: shape.Clone(), Detail: "no classes"}
	}
	data := scores.AsFloat32()
	logits := make([]float64, len(data))
	for i, v := range data {
		logits[i] = float64(v)
	}
	return logits, nil
}

func sampleProbabilities(scores *tensor.RawTensor) ([]float64, error) {
	logits, err := sampleLogits(scores)
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}
