package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/config"
	"github.com/born-ml/branchynet/internal/earlyexit"
)

func withConfigFile(t *testing.T, yaml string) {
	t.Helper()
	path := ""
	if yaml != "" {
		path = filepath.Join(t.TempDir(), "branchynet.yaml")
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	}
	old := *flagConfig
	*flagConfig = path
	t.Cleanup(func() { *flagConfig = old })
}

func TestLoadConfigPrecedence(t *testing.T) {
	const file = "variant: fcn\ncriterion: entropy\nexit_threshold: 0.2\nseed: 7\n"

	tests := []struct {
		name string
		yaml string
		args []string
		want func(*config.Config)
	}{
		{"defaults", "", nil, func(*config.Config) {}},
		{"file", file, nil, func(c *config.Config) {
			c.Variant, c.Criterion, c.ExitThreshold, c.Seed = "fcn", "entropy", 0.2, 7
		}},
		{"flags over file", file, []string{"-variant", "se", "-threshold", "0.9", "-seed", "3"}, func(c *config.Config) {
			c.Variant, c.Criterion, c.ExitThreshold, c.Seed = "se", "entropy", 0.9, 3
		}},
		// An explicit zero still overrides the file.
		{"explicit zero", file, []string{"-threshold", "0", "-seed", "0"}, func(c *config.Config) {
			c.Variant, c.Criterion, c.ExitThreshold, c.Seed = "fcn", "entropy", 0, 0
		}},
		{"checkpoint", "", []string{"-checkpoint", "brn.born", "-criterion", "entropy"}, func(c *config.Config) {
			c.Checkpoint, c.Criterion = "brn.born", "entropy"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withConfigFile(t, tt.yaml)
			fs, o := newFlagSet("test")
			require.NoError(t, fs.Parse(tt.args))

			got, err := o.loadConfig()
			require.NoError(t, err)
			want := config.Default()
			tt.want(want)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoadConfigValidatesOverrides(t *testing.T) {
	withConfigFile(t, "")
	fs, o := newFlagSet("test")
	require.NoError(t, fs.Parse([]string{"-variant", "resnet"}))
	_, err := o.loadConfig()
	assert.True(t, errors.Is(err, config.ErrInvalidConfig), "%v", err)

	fs, o = newFlagSet("test")
	require.NoError(t, fs.Parse([]string{"-threshold", "-1"}))
	_, err = o.loadConfig()
	assert.True(t, errors.Is(err, config.ErrInvalidConfig), "%v", err)
}

func TestStatsTable(t *testing.T) {
	stats := earlyexit.NewExitStats(2)
	stats.Record(0, 1, 1)
	stats.Record(1, 2, -1)

	out := statsTable(stats)
	assert.Contains(t, out, "Accuracy")
	assert.Contains(t, out, "50.0%")
	assert.Contains(t, out, "100.0%")
	assert.Equal(t, "-", percent(0.5, false))
}
