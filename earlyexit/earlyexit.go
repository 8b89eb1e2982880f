// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package earlyexit is the public API for BranchyNet-style early-exit
// networks: building the LeNet variants, fast inference, ONNX export and
// cross-checking an exported graph against the network.
//
// Example:
//
//	backend := cpu.New()
//	net, err := earlyexit.Build(earlyexit.Standard, backend, earlyexit.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	net.SetFastInference(true)
//	x := tensor.Randn[float32](tensor.Shape{1, 1, 28, 28}, 0, backend)
//	out, err := net.Forward(x)
//	fmt.Println("exit", out.Exit, out.Final().Data())
//
//	res, report, err := earlyexit.Verify(net, x, earlyexit.DefaultTolerance)
package earlyexit

import (
	"github.com/born-ml/branchynet/internal/crosscheck"
	"github.com/born-ml/branchynet/internal/earlyexit"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Network is an early-exit classifier.
type Network[B tensor.Backend] = earlyexit.Network[B]

// Output is the result of Network.Forward.
type Output[B tensor.Backend] = earlyexit.Output[B]

// Mode selects how Forward evaluates the network.
type Mode = earlyexit.Mode

// Modes.
const (
	Training      = earlyexit.Training
	FastInference = earlyexit.FastInference
)

// Policy decides whether a non-terminal exit may return.
type Policy = earlyexit.Policy

// Exit policies.
type (
	Top1Policy    = earlyexit.Top1Policy
	EntropyPolicy = earlyexit.EntropyPolicy
)

// Criterion names and defaults.
const (
	CriterionTop1    = earlyexit.CriterionTop1
	CriterionEntropy = earlyexit.CriterionEntropy
	DefaultThreshold = earlyexit.DefaultThreshold
)

// Errors.
var (
	ErrBatchSizeViolation = earlyexit.ErrBatchSizeViolation
	ErrUnknownCriterion   = earlyexit.ErrUnknownCriterion
	ErrUnknownVariant     = earlyexit.ErrUnknownVariant
	ErrNotEquivalent      = crosscheck.ErrNotEquivalent
)

// PolicyByName returns the policy for "top1" or "entropy".
func PolicyByName(name string, threshold float64) (Policy, error) {
	return earlyexit.PolicyByName(name, threshold)
}

// Variant names a prebuilt early-exit LeNet.
type Variant = earlyexit.Variant

// Variants.
const (
	Standard = earlyexit.Standard
	FCN      = earlyexit.FCN
	SE       = earlyexit.SE
)

// Options configures Build.
type Options = earlyexit.Options

// DefaultOptions returns 10 classes, the top-1 criterion at 0.5 and seed 0.
func DefaultOptions() Options {
	return earlyexit.DefaultOptions()
}

// Build creates the network of the given variant.
func Build[B tensor.Backend](variant Variant, backend B, opts Options) (*Network[B], error) {
	return earlyexit.Build(variant, backend, opts)
}

// ExportResult is a serialized ONNX model plus what went into it.
type ExportResult = earlyexit.ExportResult

// ExitStats counts which exit answered, and how accurately.
type ExitStats = earlyexit.ExitStats

// Tolerance follows numpy.allclose.
type Tolerance = crosscheck.Tolerance

// Report summarizes a cross-check.
type Report = crosscheck.Report

// DefaultTolerance is rtol 1e-3, atol 1e-5.
var DefaultTolerance = crosscheck.DefaultTolerance

// Verify exports net for x, runs the exported graph on x with the ONNX
// runtime and compares its outputs with net's.
func Verify[B tensor.Backend](net *Network[B], x *tensor.Tensor[float32, B], tol Tolerance) (*ExportResult, *Report, error) {
	return crosscheck.RoundTrip(net, x, x, tol)
}
