package onnx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Export defaults.
const (
	OpsetVersion = 10
	IRVersion    = 5
	ProducerName = "branchynet"
)

// GraphBuilder assembles a GraphProto while a model walks its layers.
//
// Layers push a scope for every level of nesting so that initializer names
// match state dict keys (e.g. "backbone.1.1.layer.0.weight"). Intermediate
// values get numeric names.
type GraphBuilder struct {
	graph     GraphProto
	scope     []string
	nextValue int
	opCount   map[string]int
	producer  map[string]int
	names     map[string]bool
}

// NewGraphBuilder creates an empty graph with the given name.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		graph:    GraphProto{Name: name},
		opCount:  make(map[string]int),
		producer: make(map[string]int),
		names:    make(map[string]bool),
	}
}

// PushScope enters a naming scope.
func (g *GraphBuilder) PushScope(name string) {
	g.scope = append(g.scope, name)
}

// PopScope leaves the innermost naming scope.
func (g *GraphBuilder) PopScope() {
	if len(g.scope) == 0 {
		panic("onnx: PopScope without PushScope")
	}
	g.scope = g.scope[:len(g.scope)-1]
}

// ScopedName joins the current scope with suffix.
func (g *GraphBuilder) ScopedName(suffix string) string {
	if len(g.scope) == 0 {
		return suffix
	}
	return strings.Join(g.scope, ".") + "." + suffix
}

// AddInput declares a float32 graph input.
func (g *GraphBuilder) AddInput(name string, dims ...DimensionProto) string {
	g.graph.Inputs = append(g.graph.Inputs, floatValueInfo(name, dims))
	g.names[name] = true
	return name
}

// AddInitializer stores raw as a weight named after the current scope and
// returns the value name. raw is copied.
func (g *GraphBuilder) AddInitializer(suffix string, raw *tensor.RawTensor) string {
	name := g.unique(g.ScopedName(suffix))
	g.graph.Initializers = append(g.graph.Initializers, TensorFromRaw(name, raw))
	return name
}

// AddNode appends a single-output node and returns the output value name.
func (g *GraphBuilder) AddNode(opType string, inputs []string, attrs ...AttributeProto) string {
	idx := g.opCount[opType]
	g.opCount[opType]++

	out := g.unique(strconv.Itoa(g.nextValue))
	g.nextValue++

	g.graph.Nodes = append(g.graph.Nodes, NodeProto{
		Name:       fmt.Sprintf("%s_%d", opType, idx),
		OpType:     opType,
		Inputs:     append([]string(nil), inputs...),
		Outputs:    []string{out},
		Attributes: attrs,
	})
	g.producer[out] = len(g.graph.Nodes) - 1
	return out
}

// AddOutput exposes value as a float32 graph output called name. The node
// producing value is renamed; graph inputs and initializers are routed through
// an Identity node.
func (g *GraphBuilder) AddOutput(value, name string, dims ...DimensionProto) {
	if value != name {
		idx, ok := g.producer[value]
		if !ok {
			value = g.AddNode("Identity", []string{value})
			idx = g.producer[value]
		}
		g.rename(idx, value, name)
	}
	g.graph.Outputs = append(g.graph.Outputs, floatValueInfo(name, dims))
}

func (g *GraphBuilder) rename(nodeIdx int, from, to string) {
	node := &g.graph.Nodes[nodeIdx]
	for i, out := range node.Outputs {
		if out == from {
			node.Outputs[i] = to
		}
	}
	for n := range g.graph.Nodes {
		for i, in := range g.graph.Nodes[n].Inputs {
			if in == from {
				g.graph.Nodes[n].Inputs[i] = to
			}
		}
	}
	delete(g.producer, from)
	g.producer[to] = nodeIdx
	g.names[to] = true
}

// unique returns name, or name with a numeric suffix if it is already taken.
func (g *GraphBuilder) unique(name string) string {
	candidate := name
	for i := 1; g.names[candidate]; i++ {
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
	g.names[candidate] = true
	return candidate
}

// NodeCount returns the number of nodes added so far.
func (g *GraphBuilder) NodeCount() int {
	return len(g.graph.Nodes)
}

// Graph returns the assembled graph.
func (g *GraphBuilder) Graph() *GraphProto {
	return &g.graph
}

// Model wraps the graph in a ModelProto with the export defaults.
func (g *GraphBuilder) Model() *ModelProto {
	return &ModelProto{
		IRVersion:    IRVersion,
		ProducerName: ProducerName,
		OpsetImport:  []OperatorSetID{{Version: OpsetVersion}},
		Graph:        &g.graph,
	}
}

// StaticDim returns a fixed dimension.
func StaticDim(v int) DimensionProto {
	return DimensionProto{DimValue: int64(v)}
}

// SymbolicDim returns a named, dynamic dimension.
func SymbolicDim(name string) DimensionProto {
	return DimensionProto{DimParam: name}
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, vs ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: vs}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// TensorFromRaw converts a RawTensor into an initializer with raw_data.
func TensorFromRaw(name string, raw *tensor.RawTensor) TensorProto {
	dims := make([]int64, len(raw.Shape()))
	for i, d := range raw.Shape() {
		dims[i] = int64(d)
	}
	dataType := int32(TensorProtoFloat)
	if raw.DType() == tensor.Int64 {
		dataType = TensorProtoInt64
	}
	return TensorProto{
		Name:     name,
		DataType: dataType,
		Dims:     dims,
		RawData:  append([]byte(nil), raw.Data()...),
	}
}

func floatValueInfo(name string, dims []DimensionProto) ValueInfoProto {
	return ValueInfoProto{
		Name: name,
		Type: &TypeProto{TensorType: &TensorTypeProto{
			ElemType: TensorProtoFloat,
			Shape:    &TensorShapeProto{Dims: dims},
		}},
	}
}
