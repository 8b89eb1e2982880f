// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend.
package cpu

import (
	internalcpu "github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/tensor"
)

// Backend represents the CPU backend implementation.
//
// It holds no mutable state; one instance can be shared by networks and
// ONNX models across goroutines.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a new CPU backend.
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Zeros[float32](tensor.Shape{1, 1, 28, 28}, backend)
func New() *Backend {
	return internalcpu.New()
}
