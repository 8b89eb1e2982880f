package operators

import (
	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

func (r *Registry) registerMathOps() {
	r.Register("Add", handleAdd)
	r.Register("MatMul", handleMatMul)
	r.Register("Gemm", handleGemm)
}

func handleAdd(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 2, 2); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{ctx.Backend.Add(inputs[0], inputs[1])}, nil
}

// handleMatMul supports 2D operands.
func handleMatMul(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 2, 2); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape()) != 2 || len(b.Shape()) != 2 {
		return nil, errors.Wrapf(ErrUnsupported, "matmul: ranks %d and %d", len(a.Shape()), len(b.Shape()))
	}
	return []*tensor.RawTensor{ctx.Backend.MatMul(a, b)}, nil
}

// handleGemm computes alpha * A' @ B' + beta * C, where A' and B' are
// optionally transposed.
func handleGemm(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 2, 3); err != nil {
		return nil, err
	}
	a, b := inputs[0], inputs[1]
	if len(a.Shape()) != 2 || len(b.Shape()) != 2 {
		return nil, errors.Errorf("gemm: expected 2D operands, got %v and %v", a.Shape(), b.Shape())
	}

	if GetAttrInt(node, "transA", 0) != 0 {
		a = ctx.Backend.Transpose(a)
	}
	if GetAttrInt(node, "transB", 0) != 0 {
		b = ctx.Backend.Transpose(b)
	}

	out := ctx.Backend.MatMul(a, b)
	if alpha := GetAttrFloat(node, "alpha", 1); alpha != 1 {
		out = scale(out, alpha)
	}

	if len(inputs) == 3 && inputs[2] != nil {
		c := inputs[2]
		if beta := GetAttrFloat(node, "beta", 1); beta != 1 {
			c = scale(c, beta)
		}
		out = ctx.Backend.Add(out, c)
	}
	return []*tensor.RawTensor{out}, nil
}

func scale(t *tensor.RawTensor, factor float32) *tensor.RawTensor {
	out := t.Clone()
	data := out.AsFloat32()
	for i := range data {
		data[i] *= factor
	}
	return out
}
