package onnx

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/onnx/operators"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Model represents a loaded ONNX model ready for inference.
// It executes the computation graph using the provided backend.
//
// A Model is immutable after Load and safe for concurrent Forward calls.
type Model struct {
	proto        *ModelProto
	registry     *operators.Registry
	backend      tensor.Backend
	weights      map[string]*tensor.RawTensor
	inputNames   []string
	outputNames  []string
	sortedNodes  []*operators.Node
	opsetVersion int64
}

// InputNames returns the names of model inputs (initializers excluded).
func (m *Model) InputNames() []string {
	return m.inputNames
}

// OutputNames returns the names of model outputs in graph order.
func (m *Model) OutputNames() []string {
	return m.outputNames
}

// OpsetVersion returns the default-domain opset version.
func (m *Model) OpsetVersion() int64 {
	return m.opsetVersion
}

// Proto returns the parsed model.
func (m *Model) Proto() *ModelProto {
	return m.proto
}

// Metadata returns model metadata as key-value pairs.
func (m *Model) Metadata() map[string]string {
	meta := make(map[string]string)
	for _, prop := range m.proto.MetadataProps {
		meta[prop.Key] = prop.Value
	}
	meta["producer_name"] = m.proto.ProducerName
	meta["producer_version"] = m.proto.ProducerVersion
	meta["domain"] = m.proto.Domain
	return meta
}

// Forward runs a single-input model and returns its outputs in graph order.
func (m *Model) Forward(input *tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(m.inputNames) != 1 {
		return nil, errors.Errorf("model has %d inputs, use ForwardNamed", len(m.inputNames))
	}

	named, err := m.ForwardNamed(map[string]*tensor.RawTensor{m.inputNames[0]: input})
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensor.RawTensor, len(m.outputNames))
	for i, name := range m.outputNames {
		outputs[i] = named[name]
	}
	return outputs, nil
}

// ForwardNamed runs inference with named inputs and returns every graph
// output by name. Shape errors raised by the backend are returned as errors.
func (m *Model) ForwardNamed(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	values := make(map[string]*tensor.RawTensor, len(m.weights)+len(inputs))
	for name, t := range m.weights {
		values[name] = t
	}
	for name, t := range inputs {
		values[name] = t
	}
	for _, name := range m.inputNames {
		if _, ok := values[name]; !ok {
			return nil, errors.Errorf("missing input: %s", name)
		}
	}

	ctx := &operators.Context{Backend: m.backend}
	for _, node := range m.sortedNodes {
		nodeInputs := make([]*tensor.RawTensor, len(node.Inputs))
		for i, name := range node.Inputs {
			if name == "" {
				continue // optional input not provided
			}
			t, ok := values[name]
			if !ok {
				return nil, errors.Errorf("node %s: missing input %s", node.Name, name)
			}
			nodeInputs[i] = t
		}

		var outputs []*tensor.RawTensor
		var opErr error
		panicErr := exceptions.TryCatch[error](func() {
			outputs, opErr = m.registry.Execute(ctx, node, nodeInputs)
		})
		if panicErr != nil {
			opErr = panicErr
		}
		if opErr != nil {
			return nil, errors.Wrapf(opErr, "node %s (%s)", node.Name, node.OpType)
		}
		if klog.V(4).Enabled() && len(outputs) > 0 {
			klog.Infof("onnx: %s -> %v", node.Name, outputs[0].Shape())
		}

		for i, name := range node.Outputs {
			if i < len(outputs) {
				values[name] = outputs[i]
			}
		}
	}

	result := make(map[string]*tensor.RawTensor, len(m.outputNames))
	for _, name := range m.outputNames {
		t, ok := values[name]
		if !ok {
			return nil, errors.Errorf("missing output: %s", name)
		}
		result[name] = t
	}
	return result, nil
}

// compile prepares the model for inference.
func (m *Model) compile() error {
	graph := m.proto.Graph
	if graph == nil {
		return errors.New("model has no graph")
	}

	m.weights = make(map[string]*tensor.RawTensor, len(graph.Initializers))
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		t, err := tensorFromProto(init)
		if err != nil {
			return errors.Wrapf(err, "failed to load initializer %s", init.Name)
		}
		m.weights[init.Name] = t
	}

	// Older exporters list initializers as graph inputs too.
	for i := range graph.Inputs {
		if _, isWeight := m.weights[graph.Inputs[i].Name]; !isWeight {
			m.inputNames = append(m.inputNames, graph.Inputs[i].Name)
		}
	}
	for i := range graph.Outputs {
		m.outputNames = append(m.outputNames, graph.Outputs[i].Name)
	}

	sorted := topologicalSort(graph.Nodes)
	m.sortedNodes = make([]*operators.Node, len(sorted))
	for i := range sorted {
		m.sortedNodes[i] = nodeProtoToOperatorNode(&sorted[i])
	}

	m.opsetVersion = defaultOpset(m.proto)
	return nil
}

func defaultOpset(proto *ModelProto) int64 {
	for _, opset := range proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

// tensorFromProto converts TensorProto to RawTensor.
func tensorFromProto(proto *TensorProto) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(proto.Dims))
	for i, dim := range proto.Dims {
		shape[i] = int(dim)
	}

	var dtype tensor.DataType
	switch proto.DataType {
	case TensorProtoFloat:
		dtype = tensor.Float32
	case TensorProtoInt64:
		dtype = tensor.Int64
	default:
		return nil, errors.Errorf("unsupported data type %d", proto.DataType)
	}

	t, err := tensor.NewRaw(shape, dtype, tensor.CPU)
	if err != nil {
		return nil, err
	}

	switch {
	case len(proto.RawData) > 0:
		if len(proto.RawData) != t.ByteSize() {
			return nil, errors.Errorf("raw_data has %d bytes, shape %v needs %d", len(proto.RawData), shape, t.ByteSize())
		}
		copy(t.Data(), proto.RawData)
	case len(proto.FloatData) > 0 && dtype == tensor.Float32:
		copy(t.AsFloat32(), proto.FloatData)
	case len(proto.Int64Data) > 0 && dtype == tensor.Int64:
		copy(t.AsInt64(), proto.Int64Data)
	}
	return t, nil
}

// nodeProtoToOperatorNode converts NodeProto to operators.Node.
func nodeProtoToOperatorNode(proto *NodeProto) *operators.Node {
	attrs := make([]operators.Attribute, len(proto.Attributes))
	for i := range proto.Attributes {
		attr := &proto.Attributes[i]
		attrs[i] = operators.Attribute{
			Name:   attr.Name,
			F:      attr.F,
			I:      attr.I,
			S:      attr.S,
			Floats: attr.Floats,
			Ints:   attr.Ints,
		}
	}
	return &operators.Node{
		Name:       proto.Name,
		OpType:     proto.OpType,
		Inputs:     proto.Inputs,
		Outputs:    proto.Outputs,
		Attributes: attrs,
	}
}

// topologicalSort sorts nodes in execution order.
// Ensures dependencies are executed before dependents.
func topologicalSort(nodes []NodeProto) []NodeProto {
	outputToNode := make(map[string]int)
	for i := range nodes {
		for _, output := range nodes[i].Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]NodeProto, 0, len(nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		for _, input := range nodes[i].Inputs {
			if depIdx, ok := outputToNode[input]; ok {
				visit(depIdx)
			}
		}
		result = append(result, nodes[i])
	}

	for i := range nodes {
		visit(i)
	}
	return result
}
