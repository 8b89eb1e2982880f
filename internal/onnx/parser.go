package onnx

import (
	"math"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: path is chosen by the caller.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes. Unknown fields are skipped.
func Parse(data []byte) (*ModelProto, error) {
	model := &ModelProto{}
	if err := decodeModel(data, model); err != nil {
		return nil, errors.Wrap(err, "failed to parse model")
	}
	return model, nil
}

// fieldFunc consumes the value of one field and returns the number of bytes
// used. A zero return skips the field; a negative one is a protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, field fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "reading tag")
		}
		b = b[n:]

		m, err := field(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return errors.Wrapf(protowire.ParseError(m), "field %d", num)
		}
		b = b[m:]
	}
	return nil
}

//nolint:gocyclo // one case per ModelProto field
func decodeModel(b []byte, m *ModelProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // ir_version
			return consumeInt64(typ, b, &m.IRVersion), nil
		case 2: // producer_name
			return consumeString(typ, b, &m.ProducerName), nil
		case 3: // producer_version
			return consumeString(typ, b, &m.ProducerVersion), nil
		case 4: // domain
			return consumeString(typ, b, &m.Domain), nil
		case 5: // model_version
			return consumeInt64(typ, b, &m.ModelVersion), nil
		case 6: // doc_string
			return consumeString(typ, b, &m.DocString), nil
		case 7: // graph
			return consumeMessage(typ, b, func(v []byte) error {
				m.Graph = &GraphProto{}
				return decodeGraph(v, m.Graph)
			})
		case 8: // opset_import
			return consumeMessage(typ, b, func(v []byte) error {
				var opset OperatorSetID
				if err := decodeOperatorSetID(v, &opset); err != nil {
					return err
				}
				m.OpsetImport = append(m.OpsetImport, opset)
				return nil
			})
		case 14: // metadata_props
			return consumeMessage(typ, b, func(v []byte) error {
				var entry StringStringEntry
				if err := decodeStringStringEntry(v, &entry); err != nil {
					return err
				}
				m.MetadataProps = append(m.MetadataProps, entry)
				return nil
			})
		}
		return 0, nil
	})
}

func decodeGraph(b []byte, g *GraphProto) error {
	valueInfo := func(dst *[]ValueInfoProto) func([]byte) error {
		return func(v []byte) error {
			var info ValueInfoProto
			if err := decodeValueInfo(v, &info); err != nil {
				return err
			}
			*dst = append(*dst, info)
			return nil
		}
	}

	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // node
			return consumeMessage(typ, b, func(v []byte) error {
				var node NodeProto
				if err := decodeNode(v, &node); err != nil {
					return err
				}
				g.Nodes = append(g.Nodes, node)
				return nil
			})
		case 2: // name
			return consumeString(typ, b, &g.Name), nil
		case 5: // initializer
			return consumeMessage(typ, b, func(v []byte) error {
				var t TensorProto
				if err := decodeTensor(v, &t); err != nil {
					return err
				}
				g.Initializers = append(g.Initializers, t)
				return nil
			})
		case 10: // doc_string
			return consumeString(typ, b, &g.DocString), nil
		case 11: // input
			return consumeMessage(typ, b, valueInfo(&g.Inputs))
		case 12: // output
			return consumeMessage(typ, b, valueInfo(&g.Outputs))
		case 13: // value_info
			return consumeMessage(typ, b, valueInfo(&g.ValueInfo))
		}
		return 0, nil
	})
}

func decodeNode(b []byte, n *NodeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // input
			return consumeStrings(typ, b, &n.Inputs), nil
		case 2: // output
			return consumeStrings(typ, b, &n.Outputs), nil
		case 3: // name
			return consumeString(typ, b, &n.Name), nil
		case 4: // op_type
			return consumeString(typ, b, &n.OpType), nil
		case 5: // attribute
			return consumeMessage(typ, b, func(v []byte) error {
				var attr AttributeProto
				if err := decodeAttribute(v, &attr); err != nil {
					return err
				}
				n.Attributes = append(n.Attributes, attr)
				return nil
			})
		case 6: // doc_string
			return consumeString(typ, b, &n.DocString), nil
		case 7: // domain
			return consumeString(typ, b, &n.Domain), nil
		}
		return 0, nil
	})
}

func decodeTensor(b []byte, t *TensorProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // dims
			return consumeInt64s(typ, b, &t.Dims), nil
		case 2: // data_type
			return consumeInt32(typ, b, &t.DataType), nil
		case 4: // float_data
			return consumeFloat32s(typ, b, &t.FloatData), nil
		case 7: // int64_data
			return consumeInt64s(typ, b, &t.Int64Data), nil
		case 8: // name
			return consumeString(typ, b, &t.Name), nil
		case 9: // raw_data
			return consumeBytes(typ, b, &t.RawData), nil
		case 12: // doc_string
			return consumeString(typ, b, &t.DocString), nil
		}
		return 0, nil
	})
}

func decodeValueInfo(b []byte, v *ValueInfoProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // name
			return consumeString(typ, b, &v.Name), nil
		case 2: // type
			return consumeMessage(typ, b, func(data []byte) error {
				v.Type = &TypeProto{}
				return decodeType(data, v.Type)
			})
		case 3: // doc_string
			return consumeString(typ, b, &v.DocString), nil
		}
		return 0, nil
	})
}

func decodeType(b []byte, t *TypeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 { // tensor_type
			return 0, nil
		}
		return consumeMessage(typ, b, func(v []byte) error {
			t.TensorType = &TensorTypeProto{}
			return decodeTensorType(v, t.TensorType)
		})
	})
}

func decodeTensorType(b []byte, t *TensorTypeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // elem_type
			return consumeInt32(typ, b, &t.ElemType), nil
		case 2: // shape
			return consumeMessage(typ, b, func(v []byte) error {
				t.Shape = &TensorShapeProto{}
				return decodeFields(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 { // dim
						return 0, nil
					}
					return consumeMessage(typ, b, func(d []byte) error {
						var dim DimensionProto
						if err := decodeDimension(d, &dim); err != nil {
							return err
						}
						t.Shape.Dims = append(t.Shape.Dims, dim)
						return nil
					})
				})
			})
		}
		return 0, nil
	})
}

func decodeDimension(b []byte, d *DimensionProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // dim_value
			return consumeInt64(typ, b, &d.DimValue), nil
		case 2: // dim_param
			return consumeString(typ, b, &d.DimParam), nil
		}
		return 0, nil
	})
}

func decodeAttribute(b []byte, a *AttributeProto) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // name
			return consumeString(typ, b, &a.Name), nil
		case 2: // f
			return consumeFloat32(typ, b, &a.F), nil
		case 3: // i
			return consumeInt64(typ, b, &a.I), nil
		case 4: // s
			return consumeBytes(typ, b, &a.S), nil
		case 7: // floats
			return consumeFloat32s(typ, b, &a.Floats), nil
		case 8: // ints
			return consumeInt64s(typ, b, &a.Ints), nil
		case 9: // strings
			if typ != protowire.BytesType {
				return 0, nil
			}
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				a.Strings = append(a.Strings, append([]byte(nil), v...))
			}
			return n, nil
		case 13: // doc_string
			return consumeString(typ, b, &a.DocString), nil
		case 20: // type
			return consumeInt32(typ, b, &a.Type), nil
		}
		return 0, nil
	})
}

func decodeOperatorSetID(b []byte, o *OperatorSetID) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // domain
			return consumeString(typ, b, &o.Domain), nil
		case 2: // version
			return consumeInt64(typ, b, &o.Version), nil
		}
		return 0, nil
	})
}

func decodeStringStringEntry(b []byte, e *StringStringEntry) error {
	return decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1: // key
			return consumeString(typ, b, &e.Key), nil
		case 2: // value
			return consumeString(typ, b, &e.Value), nil
		}
		return 0, nil
	})
}

// Field value helpers. Each returns 0 when the wire type does not match so
// that the field is skipped.

func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, decode(v)
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = string(v)
	}
	return n
}

func consumeStrings(typ protowire.Type, b []byte, dst *[]string) int {
	var s string
	n := consumeString(typ, b, &s)
	if n > 0 {
		*dst = append(*dst, s)
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int64(v)
	}
	return n
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) int {
	var v int64
	n := consumeInt64(typ, b, &v)
	if n > 0 {
		*dst = int32(v)
	}
	return n
}

func consumeFloat32(typ protowire.Type, b []byte, dst *float32) int {
	if typ != protowire.Fixed32Type {
		return 0
	}
	v, n := protowire.ConsumeFixed32(b)
	if n >= 0 {
		*dst = math.Float32frombits(v)
	}
	return n
}

// consumeInt64s accepts both packed and unpacked encodings of a repeated int64.
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int64(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, int64(v))
			packed = packed[m:]
		}
		return n
	}
	return 0
}

// consumeFloat32s accepts both packed and unpacked encodings of a repeated float.
func consumeFloat32s(typ protowire.Type, b []byte, dst *[]float32) int {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n >= 0 {
			*dst = append(*dst, math.Float32frombits(v))
		}
		return n
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			if m < 0 {
				return m
			}
			*dst = append(*dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return n
	}
	return 0
}
