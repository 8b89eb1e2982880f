// Package operators maps ONNX operators onto tensor.Backend operations.
package operators

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

// ErrUnsupported is returned for operators or attribute values the runtime
// cannot execute.
var ErrUnsupported = errors.New("unsupported")

// OpHandler processes an ONNX node and returns output tensors.
type OpHandler func(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context provides the backend to operators.
type Context struct {
	Backend tensor.Backend
}

// Registry maps ONNX operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a new operator registry with all supported operators.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string]OpHandler),
	}

	r.registerNNOps()
	r.registerMathOps()
	r.registerShapeOps()

	return r
}

// Register adds or replaces an operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	handler, ok := r.handlers[node.OpType]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupported, "operator %s", node.OpType)
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns the sorted list of supported operator types.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func expectInputs(node *Node, inputs []*tensor.RawTensor, minN, maxN int) error {
	if len(inputs) < minN || len(inputs) > maxN {
		if minN == maxN {
			return errors.Errorf("%s requires %d inputs, got %d", node.OpType, minN, len(inputs))
		}
		return errors.Errorf("%s requires %d to %d inputs, got %d", node.OpType, minN, maxN, len(inputs))
	}
	for i := 0; i < minN; i++ {
		if inputs[i] == nil {
			return errors.Errorf("%s: required input %d is missing", node.OpType, i)
		}
	}
	return nil
}
