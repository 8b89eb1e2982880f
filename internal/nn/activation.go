package nn

import (
	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// ReLU applies max(0, x) element-wise.
type ReLU[B tensor.Backend] struct{}

// NewReLU creates a new ReLU activation module.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return &ReLU[B]{}
}

// Forward applies ReLU activation.
func (r *ReLU[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return input.ReLU()
}

// ExportONNX emits a Relu node.
func (r *ReLU[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	return g.AddNode("Relu", []string{input})
}

// Parameters returns nil.
func (r *ReLU[B]) Parameters() []*Parameter[B] { return nil }

// StateDict returns an empty map.
func (r *ReLU[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (r *ReLU[B]) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }

// Flatten collapses every dimension after the batch dimension, turning
// [N, C, H, W] into [N, C*H*W].
type Flatten[B tensor.Backend] struct{}

// NewFlatten creates a new Flatten module.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return &Flatten[B]{}
}

// Forward flattens from dimension 1.
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) < 2 {
		tensor.PanicShape("flatten", input.Shape(), "expected a batch dimension and at least one feature dimension")
	}
	return input.Flatten(1)
}

// ExportONNX emits Flatten(axis=1).
func (f *Flatten[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	return g.AddNode("Flatten", []string{input}, onnx.IntAttr("axis", 1))
}

// Parameters returns nil.
func (f *Flatten[B]) Parameters() []*Parameter[B] { return nil }

// StateDict returns an empty map.
func (f *Flatten[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (f *Flatten[B]) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }
