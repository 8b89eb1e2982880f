// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package onnx loads and runs ONNX models on a branchynet backend.
//
// The runtime supports the operators branchynet exports (Conv, MaxPool,
// Relu, Flatten, Gemm, MatMul) plus Add, Reshape, Softmax and Identity.
//
//	model, err := onnx.Load("outputs/onnx/speedy-brn.onnx", cpu.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outputs, err := model.Forward(x.Raw()) // one [batch, 10] tensor per exit
package onnx

import (
	internalonnx "github.com/born-ml/branchynet/internal/onnx"
	"github.com/born-ml/branchynet/internal/tensor"
)

// LoadOptions configures ONNX model loading behavior.
type LoadOptions = internalonnx.LoadOptions

// DefaultLoadOptions returns strict loading: every operator must be
// supported.
func DefaultLoadOptions() LoadOptions {
	return internalonnx.DefaultLoadOptions()
}

// Model is a loaded ONNX model. It is safe for concurrent Forward calls.
type Model = internalonnx.Model

// ModelInfo summarizes a model without executing it.
type ModelInfo = internalonnx.ModelInfo

// Load reads and compiles an ONNX file.
func Load(path string, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	return internalonnx.Load(path, backend, opts...)
}

// LoadFromBytes compiles a serialized ONNX model.
func LoadFromBytes(data []byte, backend tensor.Backend, opts ...LoadOptions) (*Model, error) {
	return internalonnx.LoadFromBytes(data, backend, opts...)
}

// Info parses path and summarizes the model.
func Info(path string) (*ModelInfo, error) {
	proto, err := internalonnx.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return internalonnx.GetModelInfo(proto), nil
}

// ListSupportedOps returns the operator types the runtime can execute.
func ListSupportedOps() []string {
	return internalonnx.ListSupportedOps()
}
