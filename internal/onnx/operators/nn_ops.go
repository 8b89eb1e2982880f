package operators

import (
	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

func (r *Registry) registerNNOps() {
	r.Register("Conv", handleConv)
	r.Register("MaxPool", handleMaxPool)
	r.Register("Relu", handleRelu)
	r.Register("Softmax", handleSoftmax)
}

// handleConv supports 2D convolution with group 1, no dilation and the same
// stride and padding on every side.
func handleConv(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 2, 3); err != nil {
		return nil, err
	}
	x, w := inputs[0], inputs[1]

	if group := GetAttrInt(node, "group", 1); group != 1 {
		return nil, errors.Wrapf(ErrUnsupported, "conv: group=%d", group)
	}
	if err := checkAutoPad(node); err != nil {
		return nil, err
	}
	if d, err := uniform("dilations", GetAttrInts(node, "dilations"), 1); err != nil || d != 1 {
		return nil, errors.Wrapf(ErrUnsupported, "conv: dilations %v", GetAttrInts(node, "dilations"))
	}
	stride, err := uniform("strides", GetAttrInts(node, "strides"), 1)
	if err != nil {
		return nil, err
	}
	pad, err := uniform("pads", GetAttrInts(node, "pads"), 0)
	if err != nil {
		return nil, err
	}
	if ks := GetAttrInts(node, "kernel_shape"); len(ks) > 0 {
		wShape := w.Shape()
		if len(ks) != 2 || len(wShape) != 4 || int(ks[0]) != wShape[2] || int(ks[1]) != wShape[3] {
			return nil, errors.Errorf("conv: kernel_shape %v does not match weight %v", ks, wShape)
		}
	}

	out := ctx.Backend.Conv2D(x, w, stride, pad)
	if len(inputs) == 3 && inputs[2] != nil {
		b := inputs[2]
		out = ctx.Backend.Add(out, ctx.Backend.Reshape(b, tensor.Shape{1, b.NumElements(), 1, 1}))
	}
	return []*tensor.RawTensor{out}, nil
}

// handleMaxPool supports square, unpadded 2D pooling with optional ceil_mode.
func handleMaxPool(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 1, 1); err != nil {
		return nil, err
	}
	if err := checkAutoPad(node); err != nil {
		return nil, err
	}

	kernel, err := uniform("kernel_shape", GetAttrInts(node, "kernel_shape"), 0)
	if err != nil {
		return nil, err
	}
	if kernel <= 0 {
		return nil, errors.New("maxpool: kernel_shape is required")
	}
	stride, err := uniform("strides", GetAttrInts(node, "strides"), 1)
	if err != nil {
		return nil, err
	}
	if pad, err := uniform("pads", GetAttrInts(node, "pads"), 0); err != nil || pad != 0 {
		return nil, errors.Wrapf(ErrUnsupported, "maxpool: pads %v", GetAttrInts(node, "pads"))
	}
	if d, err := uniform("dilations", GetAttrInts(node, "dilations"), 1); err != nil || d != 1 {
		return nil, errors.Wrapf(ErrUnsupported, "maxpool: dilations %v", GetAttrInts(node, "dilations"))
	}
	ceilMode := GetAttrInt(node, "ceil_mode", 0) != 0

	return []*tensor.RawTensor{ctx.Backend.MaxPool2D(inputs[0], kernel, stride, ceilMode)}, nil
}

func handleRelu(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 1, 1); err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{ctx.Backend.ReLU(inputs[0])}, nil
}

// handleSoftmax follows opset < 13: the input is coerced to 2D at axis
// (default 1) and normalized along the second dimension.
func handleSoftmax(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := expectInputs(node, inputs, 1, 1); err != nil {
		return nil, err
	}
	x := inputs[0]
	shape := x.Shape()

	axis, err := normalizeAxis(GetAttrInt(node, "axis", 1), len(shape))
	if err != nil {
		return nil, errors.Wrap(err, "softmax")
	}
	outer := tensor.Shape(shape[:axis]).NumElements()
	inner := tensor.Shape(shape[axis:]).NumElements()

	flat := ctx.Backend.Reshape(x, tensor.Shape{outer, inner})
	out := ctx.Backend.Reshape(ctx.Backend.Softmax(flat, 1), shape)
	return []*tensor.RawTensor{out}, nil
}

func checkAutoPad(node *Node) error {
	if a := node.attr("auto_pad"); a != nil {
		if s := string(a.S); s != "" && s != "NOTSET" {
			return errors.Wrapf(ErrUnsupported, "%s: auto_pad=%s", node.OpType, s)
		}
	}
	return nil
}

// uniform collapses a per-axis attribute whose entries must all be equal.
func uniform(name string, vals []int64, defaultVal int) (int, error) {
	if len(vals) == 0 {
		return defaultVal, nil
	}
	for _, v := range vals[1:] {
		if v != vals[0] {
			return 0, errors.Wrapf(ErrUnsupported, "non-uniform %s %v", name, vals)
		}
	}
	return int(vals[0]), nil
}

func normalizeAxis(axis int64, rank int) (int, error) {
	a := int(axis)
	if a < 0 {
		a += rank
	}
	if a < 0 || a > rank {
		return 0, errors.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return a, nil
}
