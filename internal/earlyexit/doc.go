// Package earlyexit implements BranchyNet-style early-exit networks.
//
// A Network is a backbone of ordered stages with one exit classifier per
// stage. In Training mode every stage and every exit runs and all exit
// scores are returned. In FastInference mode stages run one at a time and
// the first non-terminal exit whose Policy fires returns its scores; the
// terminal exit returns unconditionally.
//
//	net, err := earlyexit.Build(earlyexit.Standard, cpu.New(), earlyexit.DefaultOptions())
//	net.SetFastInference(true)
//	out, err := net.Forward(x) // x: [1, 1, 28, 28]
//	fmt.Println(out.Exit, out.Scores[0].Shape())
//
// Export writes the path taken for an example input as an ONNX graph.
package earlyexit
