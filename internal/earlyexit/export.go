package earlyexit

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// ONNX graph naming.
const (
	InputName       = "input"
	BatchDimName    = "batch_size"
	ExitDimName     = "exit_size"
	OutputPrefix    = "ee"
	graphNamePrefix = "branchynet_"
)

// ONNX metadata keys written by Export.
const (
	MetaVariant   = "variant"
	MetaMode      = "mode"
	MetaCriterion = "criterion"
	MetaThreshold = "threshold"
	MetaExitIndex = "exit_index"
	MetaClasses   = "classes"
)

// ExportResult is a serialized ONNX model plus what went into it.
type ExportResult struct {
	Bytes     []byte
	Model     *onnx.ModelProto
	ExitIndex int      // exit reached by the example; the last exit in Training mode
	NodeCount int      // number of graph nodes
	Outputs   []string // graph output names in order ("ee1", "ee2", ...)
	Mode      Mode
}

// OutputName returns the graph output name of the i-th exported exit.
func OutputName(i int) string {
	return OutputPrefix + strconv.Itoa(i+1)
}

// Export traces the network on example and returns the resulting ONNX
// model.
//
// In FastInference mode example must hold a single sample; the graph holds
// stages 0..k and exit k, where k is the exit that fired for example, and has
// one output "ee1". Inputs that would have left at another exit still take
// the baked-in path. In Training mode the graph holds every stage and every
// exit with outputs "ee1".."eeN".
func (n *Network[B]) Export(example *tensor.Tensor[float32, B]) (*ExportResult, error) {
	mode, policy := n.snapshot()

	last := len(n.exits) - 1
	if mode == FastInference {
		out, err := n.forward(example, mode, policy)
		if err != nil {
			return nil, errors.Wrap(err, "failed to trace example")
		}
		last = out.Exit
	}

	shape := example.Shape()
	if len(shape) != 4 {
		return nil, &tensor.ShapeMismatchError{Op: "export", Got: shape.Clone(), Detail: "expected [batch, C, H, W]"}
	}

	g := onnx.NewGraphBuilder(graphNamePrefix + n.name)
	var outputs []string
	err := exceptions.TryCatch[error](func() {
		h := g.AddInput(InputName,
			onnx.SymbolicDim(BatchDimName),
			onnx.StaticDim(shape[1]), onnx.StaticDim(shape[2]), onnx.StaticDim(shape[3]))
		for i := 0; i <= last; i++ {
			h = exportScoped(g, n.backbone[i], h, "backbone", i)
			if mode == FastInference && i < last {
				continue
			}
			scores := exportScoped(g, n.exits[i], h, "exits", i)
			name := OutputName(len(outputs))
			g.AddOutput(scores, name, onnx.SymbolicDim(ExitDimName), onnx.StaticDim(n.classes))
			outputs = append(outputs, name)
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to export %s", n.name)
	}

	model := g.Model()
	model.MetadataProps = []onnx.StringStringEntry{
		{Key: MetaVariant, Value: n.name},
		{Key: MetaMode, Value: mode.String()},
		{Key: MetaCriterion, Value: policy.Name()},
		{Key: MetaThreshold, Value: strconv.FormatFloat(policy.Threshold(), 'g', -1, 64)},
		{Key: MetaExitIndex, Value: strconv.Itoa(last)},
		{Key: MetaClasses, Value: strconv.Itoa(n.classes)},
	}

	result := &ExportResult{
		Bytes:     onnx.Marshal(model),
		Model:     model,
		ExitIndex: last,
		NodeCount: g.NodeCount(),
		Outputs:   outputs,
		Mode:      mode,
	}
	klog.V(1).Infof("exported %s (%s): exit %d, %d nodes, %d bytes",
		n.name, mode, last, result.NodeCount, len(result.Bytes))
	return result, nil
}

// ExportFile exports the network and writes the model to path, creating
// parent directories as needed.
func (n *Network[B]) ExportFile(path string, example *tensor.Tensor[float32, B]) (*ExportResult, error) {
	result, err := n.Export(example)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %q", dir)
		}
	}
	if err := os.WriteFile(path, result.Bytes, 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write ONNX model %q", path)
	}
	return result, nil
}

func exportScoped[B tensor.Backend](g *onnx.GraphBuilder, m nn.Module[B], input, group string, i int) string {
	g.PushScope(group)
	g.PushScope(strconv.Itoa(i))
	defer func() {
		g.PopScope()
		g.PopScope()
	}()
	return m.ExportONNX(g, input)
}
