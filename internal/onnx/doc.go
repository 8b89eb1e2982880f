// Package onnx reads, writes and executes ONNX models.
//
// The wire format is handled with google.golang.org/protobuf/encoding/protowire
// against hand-written message structs, so no generated ONNX bindings are
// needed.
//
// Key components:
//   - ModelProto, GraphProto, NodeProto, TensorProto: the subset of onnx.proto
//     used by convolutional classifiers
//   - Parse / Marshal: protobuf decode and encode
//   - GraphBuilder: assembles a graph while a network walks its layers
//   - Model: executes a parsed graph on a tensor.Backend
//
// Example:
//
//	model, err := onnx.Load("speedy-brn.onnx", cpu.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outputs, err := model.ForwardNamed(map[string]*tensor.RawTensor{"input": x})
package onnx
