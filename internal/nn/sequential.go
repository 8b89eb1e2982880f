package nn

import (
	"strconv"
	"strings"

	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Sequential is a container module that chains multiple modules together.
//
// Each module's output becomes the next module's input. Child state dict keys
// are prefixed with the child's index ("0.weight", "3.1.bias", ...), which is
// also the ONNX initializer scope of the child.
type Sequential[B tensor.Backend] struct {
	modules []Module[B]
}

// NewSequential creates a new Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return &Sequential[B]{
		modules: modules,
	}
}

// Forward applies all modules in sequence.
func (s *Sequential[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output)
	}
	return output
}

// ExportONNX exports each child inside a scope named after its index.
func (s *Sequential[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	output := input
	for i, module := range s.modules {
		g.PushScope(strconv.Itoa(i))
		output = module.ExportONNX(g, output)
		g.PopScope()
	}
	return output
}

// Parameters returns all parameters from all modules, in order.
func (s *Sequential[B]) Parameters() []*Parameter[B] {
	var params []*Parameter[B]
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// Add appends a module to the sequence.
func (s *Sequential[B]) Add(module Module[B]) {
	s.modules = append(s.modules, module)
}

// Len returns the number of modules in the sequence.
func (s *Sequential[B]) Len() int {
	return len(s.modules)
}

// Module returns the module at the given index.
//
// Panics if index is out of bounds.
func (s *Sequential[B]) Module(index int) Module[B] {
	if index < 0 || index >= len(s.modules) {
		panic("Sequential.Module: index out of bounds")
	}
	return s.modules[index]
}

// StateDict returns child parameters prefixed with their module index.
func (s *Sequential[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, module := range s.modules {
		prefix := strconv.Itoa(i) + "."
		for name, raw := range module.StateDict() {
			stateDict[prefix+name] = raw
		}
	}
	return stateDict
}

// LoadStateDict loads every child from the keys carrying its index prefix.
// Keys belonging to no child are ignored here; callers that need strict
// loading check for unexpected keys at the top level. No child is modified
// unless every parameter has a valid entry.
func (s *Sequential[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := CheckStateDict(s, stateDict); err != nil {
		return err
	}
	for i, module := range s.modules {
		prefix := strconv.Itoa(i) + "."
		if err := module.LoadStateDict(SubDict(stateDict, prefix)); err != nil {
			return PrefixError(err, prefix)
		}
	}
	return nil
}

// SubDict returns the entries of stateDict under prefix, with the prefix
// removed.
func SubDict(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	for key, raw := range stateDict {
		if rest, ok := strings.CutPrefix(key, prefix); ok && rest != "" {
			sub[rest] = raw
		}
	}
	return sub
}
