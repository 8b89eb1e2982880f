// Package main provides the branchynet CLI: build, export, verify and
// evaluate early-exit networks.
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

const version = "v0.1.0"

var flagConfig = flag.String("config", "", "YAML configuration file; defaults apply when empty")

type command struct {
	name  string
	usage string
	run   func(args []string) error
}

var commands = []command{
	{"init", "build a variant with seeded weights and save a .born checkpoint", runInit},
	{"export", "export the network to ONNX for an example input", runExport},
	{"verify", "export, run the ONNX graph and cross-check it against the network", runVerify},
	{"eval", "run fast inference over a dataset and print exit statistics", runEval},
	{"config", "print the effective configuration", runConfig},
	{"version", "show version", runVersion},
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "branchynet %s - early-exit CNN inference\n\n", version)
	fmt.Fprintf(out, "Usage: branchynet [-config file] [-v level] <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(out, "\nGlobal flags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	idx := slices.IndexFunc(commands, func(c command) bool { return c.name == flag.Arg(0) })
	if idx < 0 {
		fmt.Fprintf(os.Stderr, "branchynet: unknown command %q\n\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	var err error
	if panicErr := exceptions.TryCatch[error](func() {
		err = commands[idx].run(flag.Args()[1:])
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		klog.Fatalf("branchynet %s: %v", commands[idx].name, err)
	}
}

func runVersion([]string) error {
	fmt.Printf("branchynet %s\n", version)
	return nil
}
