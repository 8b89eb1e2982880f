package nn

import (
	"fmt"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Parameter is a named learned tensor (a weight or a bias).
type Parameter[B tensor.Backend] struct {
	name   string
	tensor *tensor.Tensor[float32, B]
}

// NewParameter wraps an initialized tensor.
func NewParameter[B tensor.Backend](name string, t *tensor.Tensor[float32, B]) *Parameter[B] {
	return &Parameter[B]{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name ("weight" or "bias").
func (p *Parameter[B]) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter[B]) Tensor() *tensor.Tensor[float32, B] {
	return p.tensor
}

const loadOp = "load_state_dict"

// load copies raw into p after checking dtype and shape.
func (p *Parameter[B]) load(key string, raw *tensor.RawTensor) error {
	if err := checkEntry(key, p.tensor.Raw(), raw); err != nil {
		return err
	}
	copy(p.tensor.Raw().Data(), raw.Data())
	return nil
}

// checkEntry reports whether raw can be loaded into the parameter storage want.
func checkEntry(key string, want, raw *tensor.RawTensor) error {
	if !raw.Shape().Equal(want.Shape()) {
		return &tensor.ShapeMismatchError{
			Op:     loadOp,
			Got:    raw.Shape().Clone(),
			Detail: fmt.Sprintf("%s: expected %v", key, want.Shape()),
		}
	}
	if raw.DType() != want.DType() {
		return &tensor.ShapeMismatchError{
			Op:     loadOp,
			Got:    raw.Shape().Clone(),
			Detail: fmt.Sprintf("%s: expected %s, got %s", key, want.DType(), raw.DType()),
		}
	}
	return nil
}

// loadParams loads every parameter named in params from stateDict.
func loadParams[B tensor.Backend](stateDict map[string]*tensor.RawTensor, params ...*Parameter[B]) error {
	for _, p := range params {
		if p == nil {
			continue
		}
		raw, ok := stateDict[p.name]
		if !ok {
			return &MissingKeyError{Key: p.name}
		}
		if err := p.load(p.name, raw); err != nil {
			return err
		}
	}
	return nil
}

// paramDict builds a state dict from the non-nil params.
func paramDict[B tensor.Backend](params ...*Parameter[B]) map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, len(params))
	for _, p := range params {
		if p != nil {
			sd[p.name] = p.tensor.Raw()
		}
	}
	return sd
}
