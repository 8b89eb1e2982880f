package onnx

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes a model in the protobuf wire format.
//
// Repeated scalars are written unpacked, the proto2 default that onnx.proto
// declares; Parse accepts either form.
func Marshal(m *ModelProto) []byte {
	var b []byte
	b = appendInt64(b, 1, m.IRVersion)
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendInt64(b, 5, m.ModelVersion)
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, encodeGraph(m.Graph))
	}
	for i := range m.OpsetImport {
		op := &m.OpsetImport[i]
		var sub []byte
		sub = appendString(sub, 1, op.Domain)
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(op.Version))
		b = appendMessage(b, 8, sub)
	}
	for _, entry := range m.MetadataProps {
		var sub []byte
		sub = appendString(sub, 1, entry.Key)
		sub = appendString(sub, 2, entry.Value)
		b = appendMessage(b, 14, sub)
	}
	return b
}

// WriteFile encodes m and writes it to path.
func WriteFile(path string, m *ModelProto) error {
	if err := os.WriteFile(path, Marshal(m), 0o600); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model %q", path)
	}
	return nil
}

func encodeGraph(g *GraphProto) []byte {
	var b []byte
	for i := range g.Nodes {
		b = appendMessage(b, 1, encodeNode(&g.Nodes[i]))
	}
	b = appendString(b, 2, g.Name)
	for i := range g.Initializers {
		b = appendMessage(b, 5, encodeTensor(&g.Initializers[i]))
	}
	b = appendString(b, 10, g.DocString)
	for i := range g.Inputs {
		b = appendMessage(b, 11, encodeValueInfo(&g.Inputs[i]))
	}
	for i := range g.Outputs {
		b = appendMessage(b, 12, encodeValueInfo(&g.Outputs[i]))
	}
	for i := range g.ValueInfo {
		b = appendMessage(b, 13, encodeValueInfo(&g.ValueInfo[i]))
	}
	return b
}

func encodeNode(n *NodeProto) []byte {
	var b []byte
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}
	for _, out := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, out)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for i := range n.Attributes {
		b = appendMessage(b, 5, encodeAttribute(&n.Attributes[i]))
	}
	b = appendString(b, 6, n.DocString)
	b = appendString(b, 7, n.Domain)
	return b
}

func encodeAttribute(a *AttributeProto) []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case AttributeProtoFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case AttributeProtoInt:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	case AttributeProtoString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case AttributeProtoFloats:
		for _, f := range a.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeProtoInts:
		for _, v := range a.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(v))
		}
	case AttributeProtoStrings:
		for _, s := range a.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	}
	b = appendString(b, 13, a.DocString)
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(a.Type))
	return b
}

func encodeTensor(t *TensorProto) []byte {
	var b []byte
	for _, d := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d))
	}
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))
	for _, f := range t.FloatData {
		b = protowire.AppendTag(b, 4, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, v := range t.Int64Data {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(v))
	}
	b = appendString(b, 8, t.Name)
	if len(t.RawData) > 0 {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	b = appendString(b, 12, t.DocString)
	return b
}

func encodeValueInfo(v *ValueInfoProto) []byte {
	var b []byte
	b = appendString(b, 1, v.Name)
	if v.Type != nil && v.Type.TensorType != nil {
		tt := v.Type.TensorType
		var tensorType []byte
		tensorType = protowire.AppendTag(tensorType, 1, protowire.VarintType)
		tensorType = protowire.AppendVarint(tensorType, uint64(tt.ElemType))
		if tt.Shape != nil {
			var shape []byte
			for _, d := range tt.Shape.Dims {
				var dim []byte
				if d.DimParam != "" {
					dim = appendString(dim, 2, d.DimParam)
				} else {
					dim = protowire.AppendTag(dim, 1, protowire.VarintType)
					dim = protowire.AppendVarint(dim, uint64(d.DimValue))
				}
				shape = appendMessage(shape, 1, dim)
			}
			tensorType = appendMessage(tensorType, 2, shape)
		}
		b = appendMessage(b, 2, appendMessage(nil, 1, tensorType))
	}
	b = appendString(b, 3, v.DocString)
	return b
}

// appendString writes a string field, omitting it when empty.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendInt64 writes a varint field, omitting it when zero.
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
