package earlyexit

import (
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/tensor"
)

type cpuNet = Network[*cpu.CPUBackend]

func build(t *testing.T, variant Variant, opts Options) *cpuNet {
	t.Helper()
	return must.M1(Build(variant, cpu.New(), opts))
}

func mnist(seed uint64, batch int) *tensor.Tensor[float32, *cpu.CPUBackend] {
	return tensor.Randn[float32](tensor.Shape{batch, 1, 28, 28}, seed, cpu.New())
}

func TestVariantsHaveOneExitPerStage(t *testing.T) {
	for _, v := range Variants {
		t.Run(string(v), func(t *testing.T) {
			net := build(t, v, DefaultOptions())
			assert.Equal(t, 2, net.NumExits())
			assert.Len(t, net.backbone, len(net.exits))
			assert.Equal(t, string(v), net.Name())
			assert.Equal(t, tensor.Shape{1, 28, 28}, net.InputShape())
		})
	}
}

func TestVariantStateDictKeys(t *testing.T) {
	tests := []struct {
		variant Variant
		keys    []string
	}{
		{Standard, []string{
			"backbone.0.bias", "backbone.0.weight",
			"backbone.1.1.layer.0.bias", "backbone.1.1.layer.0.weight",
			"backbone.1.2.layer.0.bias", "backbone.1.2.layer.0.weight",
			"backbone.1.3.1.bias", "backbone.1.3.1.weight",
			"exits.0.2.layer.0.bias", "exits.0.2.layer.0.weight",
			"exits.0.4.weight",
			"exits.1.0.weight",
		}},
		{FCN, []string{
			"backbone.0.layer.0.bias", "backbone.0.layer.0.weight",
			"backbone.1.0.layer.0.bias", "backbone.1.0.layer.0.weight",
			"backbone.1.1.layer.0.bias", "backbone.1.1.layer.0.weight",
			"backbone.1.3.weight",
			"exits.0.0.layer.0.bias", "exits.0.0.layer.0.weight",
			"exits.0.2.weight",
			"exits.1.0.weight",
		}},
		{SE, []string{
			"backbone.0.layer.0.bias", "backbone.0.layer.0.weight",
			"backbone.1.0.layer.0.bias", "backbone.1.0.layer.0.weight",
			"backbone.1.1.layer.0.bias", "backbone.1.1.layer.0.weight",
			"backbone.1.3.weight",
			"exits.0.1.weight",
			"exits.1.0.weight",
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.variant), func(t *testing.T) {
			sd := build(t, tt.variant, DefaultOptions()).StateDict()
			assert.Equal(t, tt.keys, slices.Sorted(maps.Keys(sd)))
		})
	}

	sd := build(t, Standard, DefaultOptions()).StateDict()
	assert.Equal(t, tensor.Shape{5, 1, 5, 5}, sd["backbone.0.weight"].Shape())
	assert.Equal(t, tensor.Shape{84, 720}, sd["backbone.1.3.1.weight"].Shape())
	assert.Equal(t, tensor.Shape{10, 640}, sd["exits.0.4.weight"].Shape())
	assert.Equal(t, tensor.Shape{10, 84}, sd["exits.1.0.weight"].Shape())
}

func TestTrainingForwardReturnsEveryExit(t *testing.T) {
	for _, v := range Variants {
		t.Run(string(v), func(t *testing.T) {
			net := build(t, v, DefaultOptions())
			out, err := net.Forward(mnist(1, 3))
			require.NoError(t, err)
			assert.Equal(t, Training, out.Mode)
			require.Len(t, out.Scores, net.NumExits())
			for _, s := range out.Scores {
				assert.Equal(t, tensor.Shape{3, 10}, s.Shape())
			}
			assert.Equal(t, 1, out.Exit)
		})
	}
}

func TestFastInferenceReturnsOneExit(t *testing.T) {
	for _, v := range Variants {
		for _, thr := range []float64{0, 0.5, 1} {
			net := build(t, v, DefaultOptions())
			net.SetThreshold(thr)
			net.SetFastInference(true)
			out, err := net.Forward(mnist(2, 1))
			require.NoError(t, err)
			require.Len(t, out.Scores, 1, "%s threshold %g", v, thr)
			assert.Equal(t, tensor.Shape{1, 10}, out.Final().Shape())
			assert.Equal(t, FastInference, out.Mode)
		}
	}
}

func TestFastInferenceMatchesTrainingExits(t *testing.T) {
	opts := DefaultOptions()
	x := mnist(3, 1)

	net := build(t, Standard, opts)
	training := must.M1(net.Forward(x))

	net.SetFastInference(true)

	// Top-1 never exceeds 1, so threshold 1 never fires early.
	net.SetThreshold(1.0)
	out := must.M1(net.Forward(x))
	assert.Equal(t, 1, out.Exit)
	assert.Equal(t, training.Scores[1].Data(), out.Final().Data())

	// Top-1 is at least 1/classes, so threshold 0 always fires at exit 0.
	net.SetThreshold(0)
	out = must.M1(net.Forward(x))
	assert.Equal(t, 0, out.Exit)
	assert.Equal(t, training.Scores[0].Data(), out.Final().Data())

	// An untrained exit is never this certain.
	net.SetPolicy(EntropyPolicy{Limit: 1e-7})
	out = must.M1(net.Forward(x))
	assert.Equal(t, 1, out.Exit)
	assert.Equal(t, training.Scores[1].Data(), out.Final().Data())
}

func TestModeSwitchIsIdempotent(t *testing.T) {
	net := build(t, FCN, DefaultOptions())
	assert.Equal(t, Training, net.Mode())

	net.SetFastInference(true)
	net.SetFastInference(true)
	assert.Equal(t, FastInference, net.Mode())
	a := must.M1(net.Forward(mnist(4, 1)))

	net.SetFastInference(false)
	net.SetFastInference(false)
	assert.Equal(t, Training, net.Mode())

	net.SetFastInference(true)
	b := must.M1(net.Forward(mnist(4, 1)))
	assert.Equal(t, a.Exit, b.Exit)
	assert.Equal(t, a.Final().Data(), b.Final().Data())
}

func TestForwardIsDeterministic(t *testing.T) {
	opts := DefaultOptions()
	opts.Seed = 7
	a, b := build(t, SE, opts), build(t, SE, opts)
	x := mnist(5, 2)

	outA := must.M1(a.Forward(x))
	outB := must.M1(b.Forward(x))
	for i := range outA.Scores {
		assert.Equal(t, outA.Scores[i].Data(), outB.Scores[i].Data())
	}

	opts.Seed = 8
	c := build(t, SE, opts)
	assert.NotEqual(t, outA.Final().Data(), must.M1(c.Forward(x)).Final().Data())
}

func TestFastInferenceRejectsBatches(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	net.SetFastInference(true)
	_, err := net.Forward(mnist(6, 2))
	assert.True(t, errors.Is(err, ErrBatchSizeViolation), "%v", err)
}

func TestForwardReturnsShapeErrors(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	x := tensor.Zeros[float32](tensor.Shape{1, 3, 28, 28}, cpu.New())

	_, err := net.Forward(x)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), "%v", err)

	var shapeErr *tensor.ShapeMismatchError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, tensor.Shape{1, 3, 28, 28}, shapeErr.Got)
}

func TestBuildOptions(t *testing.T) {
	_, err := Build(Variant("resnet"), cpu.New(), DefaultOptions())
	assert.True(t, errors.Is(err, ErrUnknownVariant))

	opts := DefaultOptions()
	opts.Criterion = "margin"
	_, err = Build(Standard, cpu.New(), opts)
	assert.True(t, errors.Is(err, ErrUnknownCriterion))

	opts = DefaultOptions()
	opts.Criterion = CriterionEntropy
	opts.Threshold = 0.25
	opts.Classes = 4
	opts.ExitLossWeights = []float64{0.5, 0.5}
	net := build(t, FCN, opts)
	assert.Equal(t, EntropyPolicy{Limit: 0.25}, net.Policy())
	assert.Equal(t, 4, net.Classes())
	assert.Equal(t, []float64{0.5, 0.5}, net.ExitLossWeights())
	assert.Equal(t, tensor.Shape{1, 4}, must.M1(net.Forward(mnist(1, 1))).Final().Shape())

	net = build(t, SE, Options{})
	assert.Equal(t, DefaultClasses, net.Classes())
	_, err = Build(Standard, cpu.New(), Options{Classes: -1})
	assert.Error(t, err)

	v, err := ParseVariant("se")
	require.NoError(t, err)
	assert.Equal(t, SE, v)
	_, err = ParseVariant("SE")
	assert.Error(t, err)
}

func TestNewValidatesLayout(t *testing.T) {
	backend := cpu.New()
	stage := []nn.Module[*cpu.CPUBackend]{nn.NewReLU[*cpu.CPUBackend]()}

	_, err := New("x", stage, nil, 10, MNISTInputShape, nil)
	assert.Error(t, err)
	_, err = New[*cpu.CPUBackend]("x", nil, nil, 10, MNISTInputShape, nil)
	assert.Error(t, err)

	exits := []nn.Module[*cpu.CPUBackend]{nn.NewLinear(4, 2, false, nil, backend)}
	net, err := New("x", stage, exits, 2, tensor.Shape{4}, nil)
	require.NoError(t, err)
	assert.Equal(t, Top1Policy{Limit: DefaultThreshold}, net.Policy())
	assert.Equal(t, []float64{1.0}, net.ExitLossWeights())
}

func TestWeightedLoss(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	assert.Equal(t, []float64{1.0, 0.3}, net.ExitLossWeights())

	loss, err := net.WeightedLoss([]float64{2, 10})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, loss, 1e-12)

	_, err = net.WeightedLoss([]float64{1})
	assert.Error(t, err)
	assert.Error(t, net.SetExitLossWeights([]float64{1, 2, 3}))
}

func TestConcurrentConfiguration(t *testing.T) {
	net := build(t, FCN, DefaultOptions())
	x := mnist(9, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 4 {
				net.SetFastInference((i+j)%2 == 0)
				net.SetThreshold(float64(j) / 4)
				if j == 3 {
					net.SetPolicy(EntropyPolicy{Limit: 0.1})
				}
			}
		}()
		go func() {
			defer wg.Done()
			for range 2 {
				out, err := net.Forward(x)
				if err != nil {
					errs <- err
					continue
				}
				if out.Mode == FastInference && len(out.Scores) != 1 {
					errs <- errors.Errorf("fast forward returned %d exits", len(out.Scores))
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	backend := cpu.New()
	opts := DefaultOptions()
	opts.Seed = 1
	a := build(t, Standard, opts)
	opts.Seed = 2
	b := build(t, Standard, opts)

	path := filepath.Join(t.TempDir(), "brn.born")
	saved, err := nn.SaveCheckpoint(path, a, string(Standard), map[string]string{"threshold": "0.5"})
	require.NoError(t, err)

	loaded, err := nn.LoadCheckpoint(path, backend.Device(), b)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, loaded.ID)
	assert.Equal(t, "standard", loaded.ModelType)
	assert.Equal(t, "0.5", loaded.Metadata["threshold"])

	for k, raw := range a.StateDict() {
		assert.Equal(t, raw.Data(), b.StateDict()[k].Data(), k)
	}
	x := mnist(10, 1)
	assert.Equal(t, must.M1(a.Forward(x)).Final().Data(), must.M1(b.Forward(x)).Final().Data())

	// Checkpoints do not load into another architecture.
	_, err = nn.LoadCheckpoint(path, backend.Device(), build(t, FCN, DefaultOptions()))
	assert.True(t, errors.Is(err, nn.ErrUnexpectedCheckpointKey), "%v", err)
}

func TestLoadStateDictReportsFullKeys(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	sd := net.StateDict()
	delete(sd, "exits.0.2.layer.0.bias")

	err := net.LoadStateDict(sd)
	var missing *nn.MissingKeyError
	require.True(t, errors.As(err, &missing), "%v", err)
	assert.Equal(t, "exits.0.2.layer.0.bias", missing.Key)

	sd = net.StateDict()
	sd["backbone.1.3.1.weight"] = tensor.MustNewRaw(tensor.Shape{84, 10}, tensor.Float32, tensor.CPU)
	err = net.LoadStateDict(sd)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	assert.Contains(t, err.Error(), "backbone.1.3.1.weight")
}

func TestFailedLoadStateDictKeepsWeights(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	before := make(map[string][]byte)
	for k, raw := range net.StateDict() {
		before[k] = slices.Clone(raw.Data())
	}

	opts := DefaultOptions()
	opts.Seed = 2
	sd := build(t, Standard, opts).StateDict()
	sd["exits.1.0.weight"] = tensor.MustNewRaw(tensor.Shape{10, 83}, tensor.Float32, tensor.CPU)
	err := net.LoadStateDict(sd)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch), "%v", err)

	delete(sd, "exits.1.0.weight")
	err = net.LoadStateDict(sd)
	assert.True(t, errors.Is(err, nn.ErrMissingCheckpointKey), "%v", err)

	for k, raw := range net.StateDict() {
		assert.Equal(t, before[k], raw.Data(), k)
	}
}

func TestString(t *testing.T) {
	net := build(t, Standard, DefaultOptions())
	s := net.String()
	assert.Contains(t, s, "standard")
	assert.Contains(t, s, "mode=training")
	assert.Contains(t, s, "top1 > 0.5")
}
