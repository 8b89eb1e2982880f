package operators

import (
	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

func (r *Registry) registerShapeOps() {
	r.Register("Flatten", handleFlatten)
	r.Register("Reshape", handleReshape)
	r.Register("Identity", handleIdentity)
}

// handleFlatten reshapes to [prod(shape[:axis]), prod(shape[axis:])].
func handleFlatten(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 1, 1); err != nil {
		return nil, err
	}
	shape := inputs[0].Shape()
	axis, err := normalizeAxis(GetAttrInt(node, "axis", 1), len(shape))
	if err != nil {
		return nil, errors.Wrap(err, "flatten")
	}

	outer := tensor.Shape(shape[:axis]).NumElements()
	inner := tensor.Shape(shape[axis:]).NumElements()
	return []*tensor.RawTensor{ctx.Backend.Reshape(inputs[0], tensor.Shape{outer, inner})}, nil
}

// handleReshape reads the target shape from the second input. A 0 entry copies
// the input dimension and a single -1 is inferred.
func handleReshape(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 2, 2); err != nil {
		return nil, err
	}
	x, shapeT := inputs[0], inputs[1]
	if shapeT.DType() != tensor.Int64 {
		return nil, errors.Errorf("reshape: shape must be int64, got %s", shapeT.DType())
	}

	target, err := resolveShape(x.Shape(), shapeT.AsInt64())
	if err != nil {
		return nil, errors.Wrap(err, "reshape")
	}
	return []*tensor.RawTensor{ctx.Backend.Reshape(x, target)}, nil
}

func resolveShape(in tensor.Shape, target []int64) (tensor.Shape, error) {
	out := make(tensor.Shape, len(target))
	inferred := -1
	known := 1
	for i, v := range target {
		switch {
		case v == -1:
			if inferred >= 0 {
				return nil, errors.New("more than one -1 in target shape")
			}
			inferred = i
			continue
		case v == 0:
			if i >= len(in) {
				return nil, errors.Errorf("0 at index %d but input has rank %d", i, len(in))
			}
			out[i] = in[i]
		case v < 0:
			return nil, errors.Errorf("invalid dimension %d", v)
		default:
			out[i] = int(v)
		}
		known *= out[i]
	}

	if inferred >= 0 {
		if known == 0 || in.NumElements()%known != 0 {
			return nil, errors.Errorf("cannot infer dimension of %v from %v", in, target)
		}
		out[inferred] = in.NumElements() / known
	}
	if out.NumElements() != in.NumElements() {
		return nil, errors.Errorf("cannot reshape %v to %v", in, out)
	}
	return out, nil
}

func handleIdentity(_ *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 1, 1); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{inputs[0]}, nil
}
