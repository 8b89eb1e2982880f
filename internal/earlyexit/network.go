package earlyexit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Mode selects how Forward evaluates the network.
type Mode int

// Modes.
const (
	// Training runs every stage and every exit.
	Training Mode = iota
	// FastInference stops at the first exit whose policy fires.
	FastInference
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Training:
		return "training"
	case FastInference:
		return "fast_inference"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// DefaultExitLossWeights weights the early exit fully and the final exit at
// 0.3 when per-exit losses are summed.
var DefaultExitLossWeights = []float64{1.0, 0.3}

// State dict prefixes.
const (
	backbonePrefix = "backbone."
	exitsPrefix    = "exits."
)

// Output is the result of one Forward call.
type Output[B tensor.Backend] struct {
	// Scores holds one [batch, classes] tensor per evaluated exit: all exits
	// in Training mode, exactly one in FastInference mode.
	Scores []*tensor.Tensor[float32, B]
	// Exit is the index of the exit that produced the last entry of Scores.
	Exit int
	// Mode is the mode Forward ran in.
	Mode Mode
}

// Final returns the scores of the exit that returned.
func (o *Output[B]) Final() *tensor.Tensor[float32, B] {
	return o.Scores[len(o.Scores)-1]
}

// Network is an early-exit classifier: stage i feeds exit i and stage i+1.
//
// Configuration (mode, policy and threshold) may be changed concurrently
// with Forward. Each Forward call takes a snapshot of it when it starts.
type Network[B tensor.Backend] struct {
	name        string
	backbone    []nn.Module[B]
	exits       []nn.Module[B]
	classes     int
	inputShape  tensor.Shape // per-sample shape, e.g. [1, 28, 28]
	lossWeights []float64

	mu     sync.RWMutex
	mode   Mode
	policy Policy
}

// New assembles a network from parallel stage and exit slices.
func New[B tensor.Backend](name string, backbone, exits []nn.Module[B], classes int, inputShape tensor.Shape, policy Policy) (*Network[B], error) {
	if len(backbone) == 0 {
		return nil, errors.New("earlyexit: network needs at least one stage")
	}
	if len(backbone) != len(exits) {
		return nil, errors.Errorf("earlyexit: %d stages but %d exits", len(backbone), len(exits))
	}
	if classes <= 0 {
		return nil, errors.Errorf("earlyexit: invalid number of classes %d", classes)
	}
	if policy == nil {
		policy = Top1Policy{Limit: DefaultThreshold}
	}

	weights := make([]float64, len(exits))
	for i := range weights {
		weights[i] = 1
	}
	copy(weights, DefaultExitLossWeights)

	return &Network[B]{
		name:        name,
		backbone:    backbone,
		exits:       exits,
		classes:     classes,
		inputShape:  inputShape.Clone(),
		lossWeights: weights,
		mode:        Training,
		policy:      policy,
	}, nil
}

// Forward evaluates the network on x ([batch, C, H, W]).
//
// In FastInference mode x must hold exactly one sample, otherwise
// ErrBatchSizeViolation is returned. Shape errors from the layers are
// returned as *tensor.ShapeMismatchError.
func (n *Network[B]) Forward(x *tensor.Tensor[float32, B]) (*Output[B], error) {
	mode, policy := n.snapshot()
	return n.forward(x, mode, policy)
}

func (n *Network[B]) forward(x *tensor.Tensor[float32, B], mode Mode, policy Policy) (*Output[B], error) {
	var out *Output[B]
	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		switch mode {
		case FastInference:
			out, err = n.forwardFast(x, policy)
		default:
			out = n.forwardTraining(x)
		}
	}); panicErr != nil {
		return nil, errors.Wrapf(panicErr, "%s forward", n.name)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (n *Network[B]) forwardTraining(x *tensor.Tensor[float32, B]) *Output[B] {
	scores := make([]*tensor.Tensor[float32, B], len(n.exits))
	h := x
	for i := range n.backbone {
		h = n.backbone[i].Forward(h)
		scores[i] = n.exits[i].Forward(h)
	}
	return &Output[B]{Scores: scores, Exit: len(n.exits) - 1, Mode: Training}
}

func (n *Network[B]) forwardFast(x *tensor.Tensor[float32, B], policy Policy) (*Output[B], error) {
	shape := x.Shape()
	if len(shape) == 0 {
		tensor.PanicShape(n.name, shape, "expected [1, C, H, W]")
	}
	if shape[0] != 1 {
		return nil, errors.Wrapf(ErrBatchSizeViolation, "got batch of %d", shape[0])
	}

	last := len(n.exits) - 1
	h := x
	for i := range n.backbone {
		h = n.backbone[i].Forward(h)
		scores := n.exits[i].Forward(h)
		if i == last {
			klog.V(3).Infof("%s: terminal exit %d", n.name, i)
			return &Output[B]{Scores: []*tensor.Tensor[float32, B]{scores}, Exit: i, Mode: FastInference}, nil
		}
		fire, err := policy.ShouldExit(scores.Raw())
		if err != nil {
			return nil, errors.Wrapf(err, "exit %d", i)
		}
		if fire {
			klog.V(3).Infof("%s: early exit %d fired (%s)", n.name, i, policy)
			return &Output[B]{Scores: []*tensor.Tensor[float32, B]{scores}, Exit: i, Mode: FastInference}, nil
		}
	}
	panic("unreachable")
}

func (n *Network[B]) snapshot() (Mode, Policy) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode, n.policy
}

// SetFastInference switches between FastInference (true) and Training
// (false). Calling it repeatedly with the same value has no further effect.
func (n *Network[B]) SetFastInference(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if enabled {
		n.mode = FastInference
	} else {
		n.mode = Training
	}
}

// Mode returns the current mode.
func (n *Network[B]) Mode() Mode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// SetThreshold changes the exit threshold, keeping the criterion.
func (n *Network[B]) SetThreshold(threshold float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = n.policy.WithThreshold(threshold)
}

// SetPolicy replaces the exit policy.
func (n *Network[B]) SetPolicy(p Policy) {
	if p == nil {
		exceptions.Panicf("earlyexit: nil policy")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = p
}

// Policy returns the current exit policy.
func (n *Network[B]) Policy() Policy {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.policy
}

// Threshold returns the current exit threshold.
func (n *Network[B]) Threshold() float64 {
	return n.Policy().Threshold()
}

// Name returns the variant name.
func (n *Network[B]) Name() string { return n.name }

// NumExits returns the number of exits (equal to the number of stages).
func (n *Network[B]) NumExits() int { return len(n.exits) }

// Classes returns the width of every exit's score vector.
func (n *Network[B]) Classes() int { return n.classes }

// InputShape returns the per-sample input shape, e.g. [1, 28, 28].
func (n *Network[B]) InputShape() tensor.Shape { return n.inputShape.Clone() }

// Stage returns backbone stage i.
func (n *Network[B]) Stage(i int) nn.Module[B] { return n.backbone[i] }

// Exit returns exit branch i.
func (n *Network[B]) Exit(i int) nn.Module[B] { return n.exits[i] }

// ExitLossWeights returns the per-exit loss weights. Inference ignores them.
func (n *Network[B]) ExitLossWeights() []float64 {
	return append([]float64(nil), n.lossWeights...)
}

// SetExitLossWeights replaces the per-exit loss weights.
func (n *Network[B]) SetExitLossWeights(weights []float64) error {
	if len(weights) != len(n.exits) {
		return errors.Errorf("earlyexit: %d loss weights for %d exits", len(weights), len(n.exits))
	}
	n.lossWeights = append([]float64(nil), weights...)
	return nil
}

// WeightedLoss combines per-exit losses using ExitLossWeights.
func (n *Network[B]) WeightedLoss(perExit []float64) (float64, error) {
	if len(perExit) != len(n.lossWeights) {
		return 0, errors.Errorf("earlyexit: %d losses for %d exits", len(perExit), len(n.lossWeights))
	}
	return floats.Dot(n.lossWeights, perExit), nil
}

// Parameters returns every learned tensor, backbone first.
func (n *Network[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, m := range n.backbone {
		params = append(params, m.Parameters()...)
	}
	for _, m := range n.exits {
		params = append(params, m.Parameters()...)
	}
	return params
}

// NumParameters returns the total number of learned scalars.
func (n *Network[B]) NumParameters() int {
	total := 0
	for _, p := range n.Parameters() {
		total += p.Tensor().NumElements()
	}
	return total
}

// StateDict returns "backbone.<i>.…" and "exits.<i>.…" entries.
func (n *Network[B]) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i, m := range n.backbone {
		for k, v := range m.StateDict() {
			sd[backbonePrefix+strconv.Itoa(i)+"."+k] = v
		}
	}
	for i, m := range n.exits {
		for k, v := range m.StateDict() {
			sd[exitsPrefix+strconv.Itoa(i)+"."+k] = v
		}
	}
	return sd
}

// LoadStateDict restores every parameter from stateDict. Keys that match no
// parameter are rejected with nn.ErrUnexpectedCheckpointKey. Nothing is
// modified unless every entry is present with the expected shape and dtype.
func (n *Network[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	expected := n.StateDict()
	for key := range stateDict {
		if _, ok := expected[key]; !ok {
			return errors.Wrapf(nn.ErrUnexpectedCheckpointKey, "%q", key)
		}
	}
	if err := nn.CheckStateDict(n, stateDict); err != nil {
		return err
	}

	load := func(prefix string, modules []nn.Module[B]) error {
		for i, m := range modules {
			p := prefix + strconv.Itoa(i) + "."
			if err := m.LoadStateDict(nn.SubDict(stateDict, p)); err != nil {
				return nn.PrefixError(err, p)
			}
		}
		return nil
	}
	if err := load(backbonePrefix, n.backbone); err != nil {
		return err
	}
	return load(exitsPrefix, n.exits)
}

// String summarizes the network.
func (n *Network[B]) String() string {
	mode, policy := n.snapshot()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d exits, %d classes, input %v, %d parameters, mode=%s, policy=%v",
		n.name, len(n.exits), n.classes, n.inputShape, n.NumParameters(), mode, policy)
	return sb.String()
}
