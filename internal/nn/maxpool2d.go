package nn

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// MaxPool2D is a 2D max pooling layer without learnable parameters.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where, with ceilMode false:
//
//	out_height = (height - kernelSize) / stride + 1
//
// and with ceilMode true the division rounds up, so a trailing partial
// window is kept (PyTorch's ceil_mode=True).
//
// Example:
//
//	pool := nn.NewMaxPool2D(2, 2, true, backend)
//	output := pool.Forward(input) // [1, 10, 17, 17] -> [1, 10, 9, 9]
type MaxPool2D[B tensor.Backend] struct {
	kernelSize int
	stride     int
	ceilMode   bool
	backend    B
}

// NewMaxPool2D creates a new 2D max pooling layer.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride int, ceilMode bool, backend B) *MaxPool2D[B] {
	if kernelSize <= 0 {
		exceptions.Panicf("maxpool2d: invalid kernel size %d", kernelSize)
	}
	if stride <= 0 {
		exceptions.Panicf("maxpool2d: invalid stride %d", stride)
	}

	return &MaxPool2D[B]{
		kernelSize: kernelSize,
		stride:     stride,
		ceilMode:   ceilMode,
		backend:    backend,
	}
}

// Forward performs the forward pass.
func (m *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if inputShape := input.Shape(); len(inputShape) != 4 {
		tensor.PanicShape("maxpool2d", inputShape, "expected 4D input [N,C,H,W]")
	}
	return tensor.New[float32, B](m.backend.MaxPool2D(input.Raw(), m.kernelSize, m.stride, m.ceilMode), m.backend)
}

// ExportONNX emits a MaxPool node.
func (m *MaxPool2D[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	k, s := int64(m.kernelSize), int64(m.stride)
	var ceil int64
	if m.ceilMode {
		ceil = 1
	}
	return g.AddNode("MaxPool", []string{input},
		onnx.IntAttr("ceil_mode", ceil),
		onnx.IntsAttr("kernel_shape", k, k),
		onnx.IntsAttr("pads", 0, 0, 0, 0),
		onnx.IntsAttr("strides", s, s),
	)
}

// Parameters returns nil (pooling has no parameters).
func (m *MaxPool2D[B]) Parameters() []*Parameter[B] { return nil }

// StateDict returns an empty map.
func (m *MaxPool2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (m *MaxPool2D[B]) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }

// KernelSize returns the pooling window size.
func (m *MaxPool2D[B]) KernelSize() int { return m.kernelSize }

// Stride returns the pooling stride.
func (m *MaxPool2D[B]) Stride() int { return m.stride }

// CeilMode reports whether partial trailing windows are kept.
func (m *MaxPool2D[B]) CeilMode() bool { return m.ceilMode }
