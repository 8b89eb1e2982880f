package nn

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Linear implements a fully connected (dense) layer.
//
// Performs the transformation: y = x @ W.T + b
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the optional bias vector with shape [out_features]
//   - y is the output tensor with shape [batch_size, out_features]
//
// The exit classifiers are bias-free: nn.NewLinear(84, 10, false, src, backend).
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *Parameter[B] // [out_features, in_features]
	bias        *Parameter[B] // [out_features] or nil
	backend     B
}

// NewLinear creates a new Linear layer with Xavier weights drawn from src
// (nil for unseeded) and a zero bias when useBias is set.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, src rand.Source, backend B) *Linear[B] {
	if inFeatures <= 0 || outFeatures <= 0 {
		exceptions.Panicf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures)
	}

	l := &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      NewParameter("weight", Xavier(inFeatures, outFeatures, tensor.Shape{outFeatures, inFeatures}, src, backend)),
		backend:     backend,
	}
	if useBias {
		l.bias = NewParameter("bias", Zeros(tensor.Shape{outFeatures}, backend))
	}
	return l
}

// Forward computes y = x @ W.T + b.
func (l *Linear[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	inputShape := input.Shape()
	if len(inputShape) != 2 {
		tensor.PanicShape("linear", inputShape, "expected 2D input [batch, features]")
	}
	if inputShape[1] != l.inFeatures {
		tensor.PanicShape("linear", inputShape, "expected %d input features", l.inFeatures)
	}

	output := input.MatMul(l.weight.Tensor().Transpose())
	if l.bias != nil {
		output = output.Add(l.bias.Tensor().Reshape(1, l.outFeatures))
	}
	return output
}

// ExportONNX emits Gemm(transB=1) when the layer has a bias, and a MatMul
// against a pre-transposed weight initializer otherwise.
func (l *Linear[B]) ExportONNX(g *onnx.GraphBuilder, input string) string {
	if l.bias != nil {
		w := g.AddInitializer("weight", l.weight.Tensor().Raw())
		b := g.AddInitializer("bias", l.bias.Tensor().Raw())
		return g.AddNode("Gemm", []string{input, w, b},
			onnx.FloatAttr("alpha", 1),
			onnx.FloatAttr("beta", 1),
			onnx.IntAttr("transB", 1),
		)
	}
	wT := g.AddInitializer("weight_t", l.weight.Tensor().Transpose().Raw())
	return g.AddNode("MatMul", []string{input, wT})
}

// Parameters returns [weight, bias] or [weight].
func (l *Linear[B]) Parameters() []*Parameter[B] {
	if l.bias != nil {
		return []*Parameter[B]{l.weight, l.bias}
	}
	return []*Parameter[B]{l.weight}
}

// StateDict returns "weight" and, if present, "bias".
func (l *Linear[B]) StateDict() map[string]*tensor.RawTensor {
	return paramDict(l.weight, l.bias)
}

// LoadStateDict loads "weight" and, if present, "bias".
func (l *Linear[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadParams(stateDict, l.weight, l.bias)
}

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *Parameter[B] { return l.weight }

// Bias returns the bias parameter, or nil.
func (l *Linear[B]) Bias() *Parameter[B] { return l.bias }

// InFeatures returns the number of input features.
func (l *Linear[B]) InFeatures() int { return l.inFeatures }

// OutFeatures returns the number of output features.
func (l *Linear[B]) OutFeatures() int { return l.outFeatures }
