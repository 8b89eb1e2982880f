package onnx

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/onnx/operators"
	"github.com/born-ml/branchynet/internal/tensor"
)

// ErrUnsupportedOperator is returned by strict loading when the graph uses an
// operator the runtime does not implement.
var ErrUnsupportedOperator = operators.ErrUnsupported

// LoadOptions configures model loading behavior.
type LoadOptions struct {
	// StrictMode fails on unsupported operators at load time instead of at the
	// first Forward that reaches them.
	StrictMode bool

	// CustomOps provides extra or replacement operator handlers.
	CustomOps map[string]operators.OpHandler
}

// DefaultLoadOptions returns default loading options (strict).
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{StrictMode: true}
}

// Load loads an ONNX model from file and prepares it for inference.
//
// Example:
//
//	model, err := onnx.Load("outputs/onnx/speedy-brn.onnx", backend)
//	if err != nil {
//	    klog.Fatal(err)
//	}
//	outputs, err := model.Forward(input)
func Load(path string, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX file")
	}
	if proto.Graph != nil {
		klog.V(1).Infof("onnx: loaded %s (%d nodes)", path, len(proto.Graph.Nodes))
	}
	return LoadFromProto(proto, backend, options(opts))
}

// LoadFromBytes loads an ONNX model from bytes.
func LoadFromBytes(data []byte, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	proto, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX data")
	}
	return LoadFromProto(proto, backend, options(opts))
}

func options(opts []LoadOptions) LoadOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return DefaultLoadOptions()
}

// LoadFromProto loads a model from parsed ModelProto.
func LoadFromProto(proto *ModelProto, backend tensor.Backend, opt LoadOptions) (*Model, error) {
	registry := operators.NewRegistry()
	for opType, handler := range opt.CustomOps {
		registry.Register(opType, handler)
	}

	if opt.StrictMode {
		if err := validateOperators(proto.Graph, registry); err != nil {
			return nil, err
		}
	}

	model := &Model{
		proto:    proto,
		registry: registry,
		backend:  backend,
	}
	if err := model.compile(); err != nil {
		return nil, errors.Wrap(err, "failed to compile model")
	}
	return model, nil
}

// validateOperators checks that all operators are supported.
func validateOperators(graph *GraphProto, registry *operators.Registry) error {
	if graph == nil {
		return errors.New("model has no graph")
	}

	var unsupported []string
	for i := range graph.Nodes {
		if _, ok := registry.Get(graph.Nodes[i].OpType); !ok {
			unsupported = append(unsupported, graph.Nodes[i].OpType)
		}
	}
	if len(unsupported) > 0 {
		return errors.Wrapf(ErrUnsupportedOperator, "operators %v", unsupported)
	}
	return nil
}

// ModelInfo contains basic information about an ONNX model.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	InputNames      []string
	OutputNames     []string
	NodeCount       int
	WeightCount     int
	OpCounts        map[string]int
}

// GetModelInfo summarizes a parsed model.
func GetModelInfo(proto *ModelProto) *ModelInfo {
	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    defaultOpset(proto),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
		OpCounts:        make(map[string]int),
	}

	if g := proto.Graph; g != nil {
		weights := make(map[string]bool, len(g.Initializers))
		for i := range g.Initializers {
			weights[g.Initializers[i].Name] = true
		}
		for i := range g.Inputs {
			if !weights[g.Inputs[i].Name] {
				info.InputNames = append(info.InputNames, g.Inputs[i].Name)
			}
		}
		for i := range g.Outputs {
			info.OutputNames = append(info.OutputNames, g.Outputs[i].Name)
		}
		for i := range g.Nodes {
			info.OpCounts[g.Nodes[i].OpType]++
		}
		info.NodeCount = len(g.Nodes)
		info.WeightCount = len(g.Initializers)
	}
	return info
}

// ListSupportedOps returns all supported ONNX operators.
func ListSupportedOps() []string {
	return operators.NewRegistry().SupportedOps()
}
