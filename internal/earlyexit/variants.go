package earlyexit

import (
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Variant names a prebuilt early-exit LeNet.
type Variant string

// Variants.
const (
	// Standard is B-LeNet: a bare convolution as the first stage and a
	// pooling exit branch.
	Standard Variant = "standard"
	// FCN is the hardware-friendly B-LeNet built only from ConvBlocks and
	// bias-free linear layers.
	FCN Variant = "fcn"
	// SE is FCN with a simplified first exit (flatten and one linear layer).
	SE Variant = "se"
)

// Variants lists every Variant in a stable order.
var Variants = []Variant{Standard, FCN, SE}

// ErrUnknownVariant is returned by Build and ParseVariant for unrecognized names.
var ErrUnknownVariant = errors.New("unknown variant")

// ParseVariant converts a name such as "fcn" to a Variant.
func ParseVariant(name string) (Variant, error) {
	for _, v := range Variants {
		if string(v) == name {
			return v, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownVariant, "%q", name)
}

// MNISTInputShape is the per-sample input shape all variants expect.
var MNISTInputShape = tensor.Shape{1, 28, 28}

// DefaultClasses is the number of MNIST digit classes.
const DefaultClasses = 10

// Options configures Build.
type Options struct {
	// Classes is the width of every exit. Zero means DefaultClasses.
	Classes int
	// Criterion selects the exit policy ("top1" or "entropy").
	Criterion string
	// Threshold is the exit threshold of the policy.
	Threshold float64
	// Seed seeds weight initialization. Ignored when Src is set.
	Seed uint64
	// Src, if not nil, is used for weight initialization instead of Seed.
	Src rand.Source
	// ExitLossWeights overrides DefaultExitLossWeights when not nil.
	ExitLossWeights []float64
}

// DefaultOptions returns 10 classes, the top-1 criterion at 0.5 and seed 0.
func DefaultOptions() Options {
	return Options{
		Classes:   DefaultClasses,
		Criterion: DefaultCriterion,
		Threshold: DefaultThreshold,
	}
}

// Build creates the network of the given variant with freshly initialized
// weights.
func Build[B tensor.Backend](variant Variant, backend B, opts Options) (*Network[B], error) {
	if opts.Classes == 0 {
		opts.Classes = DefaultClasses
	}
	if opts.Classes < 0 {
		return nil, errors.Errorf("earlyexit: invalid number of classes %d", opts.Classes)
	}
	policy, err := PolicyByName(opts.Criterion, opts.Threshold)
	if err != nil {
		return nil, err
	}
	src := opts.Src
	if src == nil {
		src = nn.NewSource(opts.Seed)
	}

	var backbone, exits []nn.Module[B]
	switch variant {
	case Standard:
		backbone, exits = standardLayers(opts.Classes, src, backend)
	case FCN:
		backbone, exits = fcnLayers(opts.Classes, false, src, backend)
	case SE:
		backbone, exits = fcnLayers(opts.Classes, true, src, backend)
	default:
		return nil, errors.Wrapf(ErrUnknownVariant, "%q", variant)
	}

	net, err := New(string(variant), backbone, exits, opts.Classes, MNISTInputShape, policy)
	if err != nil {
		return nil, err
	}
	if opts.ExitLossWeights != nil {
		if err := net.SetExitLossWeights(opts.ExitLossWeights); err != nil {
			return nil, err
		}
	}
	return net, nil
}

// NewStandard builds the Standard variant.
func NewStandard[B tensor.Backend](backend B, opts Options) (*Network[B], error) {
	return Build(Standard, backend, opts)
}

// NewFCN builds the FCN variant.
func NewFCN[B tensor.Backend](backend B, opts Options) (*Network[B], error) {
	return Build(FCN, backend, opts)
}

// NewSE builds the SE variant.
func NewSE[B tensor.Backend](backend B, opts Options) (*Network[B], error) {
	return Build(SE, backend, opts)
}

// standardLayers: 28x28 -> conv(p3) 30x30 -> pool 15x15 -> 9x9 -> 6x6.
// The second stage pools and rectifies the raw first-stage convolution again
// before its own ConvBlocks; exit 0 does the same on its side.
func standardLayers[B tensor.Backend](classes int, src rand.Source, backend B) (backbone, exits []nn.Module[B]) {
	k5p3 := nn.ConvBlockOptions{Kernel: 5, Stride: 1, Padding: 3, CeilMode: true, Bias: true}
	k3p1 := nn.ConvBlockOptions{Kernel: 3, Stride: 1, Padding: 1, CeilMode: true, Bias: true}

	stage0 := nn.NewConv2D(1, 5, 5, 1, 3, true, src, backend)
	stage1 := nn.NewSequential[B](
		nn.NewSequential[B](
			nn.NewMaxPool2D(2, 2, false, backend),
			nn.NewReLU[B](),
		),
		nn.NewConvBlock(5, 10, k5p3, src, backend),
		nn.NewConvBlock(10, 20, k5p3, src, backend),
		nn.NewSequential[B](
			nn.NewFlatten[B](),
			nn.NewLinear(720, 84, true, src, backend),
		),
	)

	exit0 := nn.NewSequential[B](
		nn.NewMaxPool2D(2, 2, false, backend),
		nn.NewReLU[B](),
		nn.NewConvBlock(5, 10, k3p1, src, backend),
		nn.NewFlatten[B](),
		nn.NewLinear(640, classes, false, src, backend),
	)
	exit1 := nn.NewSequential[B](
		nn.NewLinear(84, classes, false, src, backend),
	)

	return []nn.Module[B]{stage0, stage1}, []nn.Module[B]{exit0, exit1}
}

// fcnLayers: 28x28 -> conv(p4) 32x32 -> pool 16x16 -> 10x10 -> 6x6.
func fcnLayers[B tensor.Backend](classes int, simplifiedExit bool, src rand.Source, backend B) (backbone, exits []nn.Module[B]) {
	block := func(kernel, padding int) nn.ConvBlockOptions {
		opts := nn.DefaultConvBlockOptions()
		opts.Kernel, opts.Padding = kernel, padding
		return opts
	}

	stage0 := nn.NewConvBlock(1, 5, block(5, 4), src, backend)
	stage1 := nn.NewSequential[B](
		nn.NewConvBlock(5, 10, block(5, 4), src, backend),
		nn.NewConvBlock(10, 20, block(5, 3), src, backend),
		nn.NewFlatten[B](),
		nn.NewLinear(720, 84, false, src, backend),
	)

	var exit0 nn.Module[B]
	if simplifiedExit {
		exit0 = nn.NewSequential[B](
			nn.NewFlatten[B](),
			nn.NewLinear(1280, classes, false, src, backend),
		)
	} else {
		exit0 = nn.NewSequential[B](
			nn.NewConvBlock(5, 10, block(3, 1), src, backend),
			nn.NewFlatten[B](),
			nn.NewLinear(640, classes, false, src, backend),
		)
	}
	exit1 := nn.NewSequential[B](nn.NewLinear(84, classes, false, src, backend))

	return []nn.Module[B]{stage0, stage1}, []nn.Module[B]{exit0, exit1}
}
