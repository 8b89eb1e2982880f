package nn

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// exportAndRun exports m as a single-output graph, reloads it through the
// encoder, parser and runtime, and runs it on x.
func exportAndRun(t *testing.T, m Module[*cpu.CPUBackend], x *tensor.Tensor[float32, *cpu.CPUBackend]) (*onnx.GraphBuilder, *tensor.RawTensor) {
	t.Helper()
	g := onnx.NewGraphBuilder("test")
	out := m.ExportONNX(g, g.AddInput("input", onnx.SymbolicDim("batch_size")))
	g.AddOutput(out, "output")

	model := must.M1(onnx.LoadFromBytes(onnx.Marshal(g.Model()), x.Backend()))
	outputs, err := model.Forward(x.Raw())
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return g, outputs[0]
}

func initializerNames(g *onnx.GraphBuilder) []string {
	var names []string
	for _, init := range g.Graph().Initializers {
		names = append(names, init.Name)
	}
	return names
}

func TestExportMatchesForwardBitForBit(t *testing.T) {
	backend := cpu.New()
	src := NewSource(3)
	opts := DefaultConvBlockOptions()
	opts.CeilMode = true

	tests := []struct {
		name  string
		m     Module[*cpu.CPUBackend]
		shape tensor.Shape
	}{
		{"conv with bias", NewConv2D(1, 3, 3, 1, 2, true, src, backend), tensor.Shape{1, 1, 7, 7}},
		{"conv without bias", NewConv2D(2, 3, 3, 2, 1, false, src, backend), tensor.Shape{1, 2, 7, 7}},
		{"maxpool ceil", NewMaxPool2D(2, 2, true, backend), tensor.Shape{1, 2, 5, 5}},
		{"linear with bias", NewLinear(6, 4, true, src, backend), tensor.Shape{1, 6}},
		{"linear without bias", NewLinear(6, 4, false, src, backend), tensor.Shape{1, 6}},
		{"conv block", NewConvBlock(1, 4, opts, src, backend), tensor.Shape{1, 1, 9, 9}},
		{"sequential", NewSequential[*cpu.CPUBackend](
			NewConvBlock(1, 2, opts, src, backend),
			NewFlatten[*cpu.CPUBackend](),
			NewLinear(2*3*3, 5, true, src, backend),
			NewReLU[*cpu.CPUBackend](),
			NewLinear(5, 3, false, src, backend),
		), tensor.Shape{1, 1, 5, 5}},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Give biases non-zero values so the bias path is exercised.
			for _, p := range tt.m.Parameters() {
				if p.Name() == "bias" {
					copy(p.Tensor().Data(), tensor.Randn[float32](p.Tensor().Shape(), uint64(i), backend).Data())
				}
			}
			x := tensor.Randn[float32](tt.shape, uint64(100+i), backend)

			want := tt.m.Forward(x)
			_, got := exportAndRun(t, tt.m, x)

			assert.True(t, want.Shape().Equal(got.Shape()), "shape %v vs %v", want.Shape(), got.Shape())
			assert.Equal(t, want.Data(), got.AsFloat32())
		})
	}
}

func TestExportInitializerNamesFollowStateDict(t *testing.T) {
	backend := cpu.New()
	opts := DefaultConvBlockOptions()
	m := NewSequential[*cpu.CPUBackend](
		NewConvBlock(1, 2, opts, nil, backend),
		NewFlatten[*cpu.CPUBackend](),
		NewLinear(2*2*2, 3, true, nil, backend),
		NewLinear(3, 2, false, nil, backend),
	)

	g, _ := exportAndRun(t, m, tensor.Zeros[float32](tensor.Shape{1, 1, 4, 4}, backend))

	assert.Equal(t, []string{
		"0.layer.0.weight", "0.layer.0.bias",
		"2.weight", "2.bias",
		"3.weight_t",
	}, initializerNames(g))

	ops := make([]string, 0, g.NodeCount())
	for _, n := range g.Graph().Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{"Conv", "MaxPool", "Relu", "Flatten", "Gemm", "MatMul"}, ops)
}

func TestExportLinearWithoutBiasTransposesWeight(t *testing.T) {
	backend := cpu.New()
	l := NewLinear(2, 3, false, nil, backend)
	copy(l.Weight().Tensor().Data(), []float32{1, 2, 3, 4, 5, 6})

	g := onnx.NewGraphBuilder("t")
	l.ExportONNX(g, g.AddInput("input"))

	init := g.Graph().Initializers[0]
	assert.Equal(t, []int64{2, 3}, init.Dims)
	w := must.M1(tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU))
	copy(w.Data(), init.RawData)
	assert.Equal(t, []float32{1, 3, 5, 2, 4, 6}, w.AsFloat32())
}
