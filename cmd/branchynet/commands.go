package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/internal/config"
	"github.com/born-ml/branchynet/internal/crosscheck"
	"github.com/born-ml/branchynet/internal/dataset"
	"github.com/born-ml/branchynet/internal/earlyexit"
	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/parallel"
	"github.com/born-ml/branchynet/internal/tensor"
)

type network = earlyexit.Network[*cpu.CPUBackend]

// overrides are the command-line flags that take precedence over the
// configuration file.
type overrides struct {
	variant    string
	criterion  string
	threshold  float64
	checkpoint string
	seed       uint64
	fs         *flag.FlagSet
}

func newFlagSet(name string) (*flag.FlagSet, *overrides) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	o := &overrides{fs: fs}
	fs.StringVar(&o.variant, "variant", "", "network variant: standard, fcn or se")
	fs.StringVar(&o.criterion, "criterion", "", "exit criterion: top1 or entropy")
	fs.Float64Var(&o.threshold, "threshold", 0, "exit threshold")
	fs.StringVar(&o.checkpoint, "checkpoint", "", "load weights from this .born file")
	fs.Uint64Var(&o.seed, "seed", 0, "weight initialization seed")
	return fs, o
}

// loadConfig reads -config and applies the flags that were set explicitly.
func (o *overrides) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return nil, err
	}
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "variant":
			cfg.Variant = o.variant
		case "criterion":
			cfg.Criterion = o.criterion
		case "threshold":
			cfg.ExitThreshold = o.threshold
		case "checkpoint":
			cfg.Checkpoint = o.checkpoint
		case "seed":
			cfg.Seed = o.seed
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newNetwork(cfg *config.Config) (*network, error) {
	variant, err := earlyexit.ParseVariant(cfg.Variant)
	if err != nil {
		return nil, err
	}
	backend := cpu.New()
	net, err := earlyexit.Build(variant, backend, cfg.Options())
	if err != nil {
		return nil, err
	}
	if cfg.Checkpoint != "" {
		info, err := nn.LoadCheckpoint(cfg.Checkpoint, backend.Device(), net)
		if err != nil {
			return nil, err
		}
		if info.ModelType != cfg.Variant {
			klog.Warningf("checkpoint %s was saved from variant %q, loaded into %q", cfg.Checkpoint, info.ModelType, cfg.Variant)
		}
	}
	klog.V(1).Info(net)
	return net, nil
}

// newSource returns the configured MNIST files, or n random samples.
func newSource(cfg *config.Config, n int) (dataset.Source, error) {
	if cfg.Data.Images != "" {
		return dataset.LoadMNIST(cfg.Data.Images, cfg.Data.Labels, cfg.Data.Limit)
	}
	if cfg.Data.Limit > 0 {
		n = cfg.Data.Limit
	}
	return dataset.NewRandom(n, tensor.Shape(cfg.InputShape), cfg.Seed), nil
}

func example(cfg *config.Config, index int) (*tensor.Tensor[float32, *cpu.CPUBackend], error) {
	src, err := newSource(cfg, index+1)
	if err != nil {
		return nil, err
	}
	sample, err := src.Sample(index)
	if err != nil {
		return nil, err
	}
	return tensor.New[float32](sample.Image, cpu.New()), nil
}

func runInit(args []string) error {
	fs, o := newFlagSet("init")
	out := fs.String("out", "brn.born", "checkpoint file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	net, err := newNetwork(cfg)
	if err != nil {
		return err
	}

	info, err := nn.SaveCheckpoint(*out, net, cfg.Variant, map[string]string{
		earlyexit.MetaClasses:   strconv.Itoa(cfg.Classes),
		earlyexit.MetaCriterion: cfg.Criterion,
		earlyexit.MetaThreshold: strconv.FormatFloat(cfg.ExitThreshold, 'g', -1, 64),
		"seed":                  strconv.FormatUint(cfg.Seed, 10),
	})
	if err != nil {
		return err
	}
	stat, err := os.Stat(*out)
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Printf("saved %s: %s, %s parameters in %d tensors, %s (id %s)\n",
		*out, cfg.Variant, humanize.Comma(int64(net.NumParameters())), info.Tensors,
		humanize.Bytes(uint64(stat.Size())), info.ID)
	return nil
}

func exportFlags(name string) (*flag.FlagSet, *overrides, *string, *bool, *int) {
	fs, o := newFlagSet(name)
	out := fs.String("out", "", "ONNX file to write; defaults to export.path/{speedy,slow}-export.name")
	fast := fs.Bool("fast", true, "export the fast-inference path instead of every exit")
	sample := fs.Int("sample", 0, "index of the example input in the dataset")
	return fs, o, out, fast, sample
}

// prepareExport parses the export flags, builds the network in the requested
// mode and returns it with the example input and output path.
func prepareExport(name string, args []string) (*network, *config.Config, *tensor.Tensor[float32, *cpu.CPUBackend], string, error) {
	fs, o, out, fast, sample := exportFlags(name)
	if err := fs.Parse(args); err != nil {
		return nil, nil, nil, "", err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, nil, "", err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "fast" {
			cfg.Export.Fast = *fast
		}
	})
	net, err := newNetwork(cfg)
	if err != nil {
		return nil, nil, nil, "", err
	}
	net.SetFastInference(cfg.Export.Fast)

	x, err := example(cfg, *sample)
	if err != nil {
		return nil, nil, nil, "", err
	}
	path := *out
	if path == "" {
		path = cfg.Export.File()
	}
	return net, cfg, x, path, nil
}

func runExport(args []string) error {
	net, _, x, path, err := prepareExport("export", args)
	if err != nil {
		return err
	}
	res, err := net.ExportFile(path, x)
	if err != nil {
		return err
	}
	printExport(path, res)
	return nil
}

func printExport(path string, res *earlyexit.ExportResult) {
	fmt.Printf("exported %s: mode %s, exit %d, %d nodes, outputs %v, %s\n",
		path, res.Mode, res.ExitIndex, res.NodeCount, res.Outputs, humanize.Bytes(uint64(len(res.Bytes))))
}

func runVerify(args []string) error {
	net, cfg, x, path, err := prepareExport("verify", args)
	if err != nil {
		return err
	}
	tol := crosscheck.Tolerance{RTol: cfg.Crosscheck.RTol, ATol: cfg.Crosscheck.ATol}
	res, report, err := crosscheck.RoundTrip(net, x, x, tol)
	if res != nil {
		if writeErr := os.WriteFile(path, res.Bytes, 0o644); writeErr != nil {
			klog.Errorf("failed to write %s: %v", path, writeErr)
		} else {
			printExport(path, res)
		}
	}
	if report != nil {
		fmt.Printf("crosscheck %s\n", report)
	}
	if err != nil {
		return err
	}
	fmt.Printf("OK: outputs match within rtol %g, atol %g\n", tol.RTol, tol.ATol)
	return nil
}

func runEval(args []string) error {
	fs, o := newFlagSet("eval")
	n := fs.Int("n", 100, "number of random samples when no dataset is configured")
	workers := fs.Int("workers", 0, "number of concurrent samples; 0 uses every CPU")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	net, err := newNetwork(cfg)
	if err != nil {
		return err
	}
	net.SetFastInference(true)

	src, err := newSource(cfg, *n)
	if err != nil {
		return err
	}
	pcfg := parallel.DefaultConfig()
	if *workers > 0 {
		pcfg.NumWorkers = *workers
		pcfg.Enabled = *workers > 1
	}

	bar := progressbar.NewOptions(src.Len(),
		progressbar.OptionSetDescription("eval"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("samples"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
	stats, err := earlyexit.Evaluate(net, cpu.New(), src, pcfg, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	if err != nil {
		return err
	}

	fmt.Printf("%s, %s samples, policy %v\n", net.Name(), humanize.Comma(int64(stats.Total())), net.Policy())
	fmt.Println(statsTable(stats))
	return nil
}

var (
	headerStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	numberStyle = cellStyle.Align(lipgloss.Right)
)

func statsTable(stats *earlyexit.ExitStats) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return cellStyle
			default:
				return numberStyle
			}
		}).
		Headers("Exit", "Samples", "Share", "Accuracy")

	counts := stats.Counts()
	for i, c := range counts {
		table.Row(strconv.Itoa(i), humanize.Comma(int64(c)), percent(stats.Fraction(i), true), accuracy(stats.Accuracy(i)))
	}
	table.Row("all", humanize.Comma(int64(stats.Total())), percent(1, stats.Total() > 0), accuracy(stats.OverallAccuracy()))
	return table.String()
}

func accuracy(acc float64, ok bool) string {
	return percent(acc, ok)
}

func percent(v float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*v)
}

func runConfig(args []string) error {
	fs, o := newFlagSet("config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	os.Stdout.Write(must.M1(cfg.Marshal()))
	return nil
}
