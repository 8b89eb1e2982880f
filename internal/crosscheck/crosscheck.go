// Package crosscheck verifies that an exported ONNX graph computes the same
// scores as the network it was exported from.
package crosscheck

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/earlyexit"
	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// ErrNotEquivalent is returned when the two runtimes disagree beyond the
// tolerance.
var ErrNotEquivalent = errors.New("outputs are not equivalent")

// Tolerance follows numpy.allclose: |got - want| <= ATol + RTol*|want|.
type Tolerance struct {
	RTol float64
	ATol float64
}

// DefaultTolerance is rtol 1e-3, atol 1e-5.
var DefaultTolerance = Tolerance{RTol: 1e-3, ATol: 1e-5}

// Report summarizes a comparison.
type Report struct {
	ExitIndex  int     // exit the network returned from
	Outputs    int     // number of output tensors compared
	Elements   int     // number of scalars compared
	MaxAbsDiff float64 // largest |got - want|
	MaxRelDiff float64 // largest |got - want| / |want| over non-zero want
	Mismatches int     // scalars outside the tolerance
}

// OK reports whether every scalar was within the tolerance.
func (r *Report) OK() bool { return r.Mismatches == 0 }

// String implements fmt.Stringer.
func (r *Report) String() string {
	return fmt.Sprintf("exit %d: %d outputs, %d values, max abs diff %.3g, max rel diff %.3g, %d mismatches",
		r.ExitIndex, r.Outputs, r.Elements, r.MaxAbsDiff, r.MaxRelDiff, r.Mismatches)
}

// Compare adds the comparison of got against want to the report. Shapes must
// match exactly.
func (r *Report) Compare(want, got *tensor.RawTensor, tol Tolerance) error {
	if !want.Shape().Equal(got.Shape()) {
		return &tensor.ShapeMismatchError{
			Op:     "crosscheck",
			Got:    got.Shape().Clone(),
			Detail: fmt.Sprintf("expected %v", want.Shape()),
		}
	}
	w, g := widen(want.AsFloat32()), widen(got.AsFloat32())
	r.Outputs++
	r.Elements += len(w)
	if len(w) == 0 {
		return nil
	}
	r.MaxAbsDiff = math.Max(r.MaxAbsDiff, floats.Distance(w, g, math.Inf(1)))
	for i := range w {
		diff := math.Abs(g[i] - w[i])
		if w[i] != 0 {
			r.MaxRelDiff = math.Max(r.MaxRelDiff, diff/math.Abs(w[i]))
		}
		if !(diff <= tol.ATol+tol.RTol*math.Abs(w[i])) {
			r.Mismatches++
		}
	}
	return nil
}

// Check runs net (in its current mode) and model on input and compares
// their outputs one by one. In FastInference mode the model is expected to
// have a single output, the exit baked in at export time.
//
// A disagreement beyond tol returns the report and an error wrapping
// ErrNotEquivalent.
func Check[B tensor.Backend](net *earlyexit.Network[B], model *onnx.Model, input *tensor.Tensor[float32, B], tol Tolerance) (*Report, error) {
	want, err := net.Forward(input)
	if err != nil {
		return nil, errors.Wrap(err, "network forward")
	}
	got, err := model.Forward(input.Raw())
	if err != nil {
		return nil, errors.Wrap(err, "onnx forward")
	}
	if len(got) != len(want.Scores) {
		return nil, errors.Wrapf(ErrNotEquivalent, "network returned %d outputs, onnx model %d", len(want.Scores), len(got))
	}

	report := &Report{ExitIndex: want.Exit}
	for i := range got {
		if err := report.Compare(want.Scores[i].Raw(), got[i], tol); err != nil {
			return nil, errors.Wrapf(err, "output %s", earlyexit.OutputName(i))
		}
	}
	klog.V(1).Infof("crosscheck: %s", report)
	if !report.OK() {
		return report, errors.Wrapf(ErrNotEquivalent, "%s (rtol %g, atol %g)", report, tol.RTol, tol.ATol)
	}
	return report, nil
}

// RoundTrip exports net for example, loads the serialized model back with
// the network's backend and checks it against net on input.
func RoundTrip[B tensor.Backend](net *earlyexit.Network[B], example, input *tensor.Tensor[float32, B], tol Tolerance) (*earlyexit.ExportResult, *Report, error) {
	exported, err := net.Export(example)
	if err != nil {
		return nil, nil, err
	}
	model, err := onnx.LoadFromBytes(exported.Bytes, input.Backend())
	if err != nil {
		return exported, nil, errors.Wrap(err, "failed to load exported model")
	}
	report, err := Check(net, model, input, tol)
	return exported, report, err
}

func widen(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}
