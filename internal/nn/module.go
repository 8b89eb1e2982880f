// Package nn implements the layers of the early-exit network.
//
// This package provides:
//   - Module interface: forward pass, parameters, state dict, ONNX emission
//   - Conv2D, MaxPool2D, ReLU, Flatten, Linear
//   - Sequential and ConvBlock containers
//   - Checkpoint save/load in the .born format
//
// State dict keys follow PyTorch's nn.Module naming, so "exits.0.2.layer.0.weight"
// addresses the same tensor here and in a PyTorch checkpoint of the same
// architecture.
package nn

import (
	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Module is the base interface for all layers.
//
// Modules compose:
//
//	stage := nn.NewSequential[B](
//	    nn.NewConvBlock(5, 10, opts, src, backend),
//	    nn.NewFlatten[B](),
//	    nn.NewLinear(720, 84, false, src, backend),
//	)
//
// Type parameter B must satisfy the tensor.Backend interface.
type Module[B tensor.Backend] interface {
	// Forward computes the output of the module. Shape errors panic with a
	// *tensor.ShapeMismatchError.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all learned tensors, including nested ones.
	// Parameterless modules return nil.
	Parameters() []*Parameter[B]

	// StateDict maps parameter names, relative to this module, to their
	// live storage.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies values from stateDict into the parameters.
	// Keys are relative to this module.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error

	// ExportONNX appends the nodes computing this module to g, reading from
	// the value named input, and returns the name of the output value.
	ExportONNX(g *onnx.GraphBuilder, input string) string
}
