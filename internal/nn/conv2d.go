package nn

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Conv2D is a 2D convolutional layer.
//
// Performs convolution: output = Conv2D(input, weight) + bias
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel) / stride + 1
//	out_w = (width + 2*padding - kernel) / stride + 1
//
// Example:
//
//	// 1 -> 5 channels, 5x5 kernel, padding 3 (first stage of the standard network)
//	conv := nn.NewConv2D(1, 5, 5, 1, 3, true, nil, backend)
//	output := conv.Forward(input) // [1, 1, 28, 28] -> [1, 5, 30, 30]
type Conv2D[B tensor.Backend] struct {
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	weight *Parameter[B] // [out_channels, in_channels, kernel, kernel]
	bias   *Parameter[B] // [out_channels] or nil

	backend B
}

// NewConv2D creates a new 2D convolutional layer with Xavier initialization
// drawn from src (nil for unseeded). Biases start at zero.
func NewConv2D[B tensor.Backend](
	inChannels, outChannels int,
	kernelSize, stride, padding int,
	useBias bool,
	src rand.Source,
	backend B,
) *Conv2D[B] {
	if inChannels <= 0 || outChannels <= 0 {
		exceptions.Panicf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels)
	}
	if kernelSize <= 0 {
		exceptions.Panicf("conv2d: invalid kernel size %d", kernelSize)
	}
	if stride <= 0 {
		exceptions.Panicf("conv2d: invalid stride %d", stride)
	}
	if padding < 0 {
		exceptions.Panicf("conv2d: invalid padding %d", padding)
	}

	weightShape := tensor.Shape{outChannels, inChannels, kernelSize, kernelSize}
	fanIn := inChannels * kernelSize * kernelSize
	fanOut := outChannels * kernelSize * kernelSize

	c := &Conv2D[B]{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      NewParameter("weight", Xavier(fanIn, fanOut, weightShape, src, backend)),
		backend:     backend,
	}
	if useBias {
		c.bias = NewParameter("bias", Zeros(tensor.Shape{outChannels}, backend))
	}
	return c
}

// Forward performs the forward pass.
//
// Input: [batch, in_channels, height, width]
// Output: [batch, out_channels, out_h, out_w].
func (c *Conv2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		tensor.PanicShape("conv2d", inputShape, "expected 4D input [N,C,H,W]")
	}
	if inputShape[1] != c.inChannels {
		tensor.PanicShape("conv2d", inputShape, "expected %d input channels", c.inChannels)
	}

	output := tensor.New[float32, B](
		c.backend.Conv2D(input.Raw(), c.weight.Tensor().Raw(), c.stride, c.padding),
		c.backend,
	)
	if c.bias != nil {
		output = output.Add(c.bias.Tensor().Reshape(1, c.outChannels, 1, 1))
	}
	return output
}

// ExportONNX emits a Conv node with the weight (and bias) as initializers.
func (c *Conv2D[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	inputs := []string{input, g.AddInitializer("weight", c.weight.Tensor().Raw())}
	if c.bias != nil {
		inputs = append(inputs, g.AddInitializer("bias", c.bias.Tensor().Raw()))
	}
	k, s, p := int64(c.kernelSize), int64(c.stride), int64(c.padding)
	return g.AddNode("Conv", inputs,
		onnx.IntsAttr("dilations", 1, 1),
		onnx.IntAttr("group", 1),
		onnx.IntsAttr("kernel_shape", k, k),
		onnx.IntsAttr("pads", p, p, p, p),
		onnx.IntsAttr("strides", s, s),
	)
}

// Parameters returns [weight, bias] or [weight].
func (c *Conv2D[B]) Parameters() []*Parameter[B] {
	if c.bias != nil {
		return []*Parameter[B]{c.weight, c.bias}
	}
	return []*Parameter[B]{c.weight}
}

// StateDict returns "weight" and, if present, "bias".
func (c *Conv2D[B]) StateDict() map[string]*tensor.RawTensor {
	return paramDict(c.weight, c.bias)
}

// LoadStateDict loads "weight" and, if present, "bias".
func (c *Conv2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParams(stateDict, c.weight, c.bias)
}

// Weight returns the weight parameter.
func (c *Conv2D[B]) Weight() *Parameter[B] { return c.weight }

// Bias returns the bias parameter, or nil.
func (c *Conv2D[B]) Bias() *Parameter[B] { return c.bias }

// InChannels returns the number of input channels.
func (c *Conv2D[B]) InChannels() int { return c.inChannels }

// OutChannels returns the number of output channels.
func (c *Conv2D[B]) OutChannels() int { return c.outChannels }

// KernelSize returns the square kernel size.
func (c *Conv2D[B]) KernelSize() int { return c.kernelSize }
