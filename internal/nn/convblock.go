package nn

import (
	"math/rand/v2"

	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// ConvBlock is Conv2D -> MaxPool2D(2, stride 2) -> ReLU.
//
// Its parameters live under "layer.0.", matching a PyTorch module that keeps
// the three layers in an nn.Sequential attribute named "layer".
type ConvBlock[B tensor.Backend] struct {
	layer *Sequential[B]
}

// ConvBlockOptions configures a ConvBlock. The zero value is not useful;
// start from DefaultConvBlockOptions.
type ConvBlockOptions struct {
	Kernel   int
	Stride   int
	Padding  int
	CeilMode bool // ceil_mode of the pooling layer
	Bias     bool
}

// DefaultConvBlockOptions returns kernel 3, stride 1, padding 1, floor
// pooling, with bias.
func DefaultConvBlockOptions() ConvBlockOptions {
	return ConvBlockOptions{Kernel: 3, Stride: 1, Padding: 1, Bias: true}
}

// NewConvBlock creates a ConvBlock from in to out channels.
func NewConvBlock[B tensor.Backend](in, out int, opts ConvBlockOptions, src rand.Source, backend B) *ConvBlock[B] {
	return &ConvBlock[B]{
		layer: NewSequential[B](
			NewConv2D(in, out, opts.Kernel, opts.Stride, opts.Padding, opts.Bias, src, backend),
			NewMaxPool2D(2, 2, opts.CeilMode, backend),
			NewReLU[B](),
		),
	}
}

// Forward runs convolution, pooling and activation.
func (b *ConvBlock[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return b.layer.Forward(input)
}

// ExportONNX exports the inner layers under the "layer" scope.
func (b *ConvBlock[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	g.PushScope("layer")
	defer g.PopScope()
	return b.layer.ExportONNX(g, input)
}

// Parameters returns the convolution parameters.
func (b *ConvBlock[B]) Parameters() []*Parameter[B] {
	return b.layer.Parameters()
}

// StateDict returns "layer.0.weight" and, with bias, "layer.0.bias".
func (b *ConvBlock[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for k, v := range b.layer.StateDict() {
		sd["layer."+k] = v
	}
	return sd
}

// LoadStateDict loads from keys under "layer.".
func (b *ConvBlock[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := b.layer.LoadStateDict(SubDict(stateDict, "layer.")); err != nil {
		return PrefixError(err, "layer.")
	}
	return nil
}

// Conv returns the convolution layer.
func (b *ConvBlock[B]) Conv() *Conv2D[B] {
	return b.layer.Module(0).(*Conv2D[B])
}
