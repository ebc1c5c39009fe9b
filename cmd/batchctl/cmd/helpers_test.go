package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
	configureEnv()
}

var taskFlagNames = []string{
	"name", "image", "command", "env", "input", "output", "output-dir",
	"memory", "vcpu", "timeout", "compute-environment", "job-queue", "label",
}

// resetFlags restores flags of the shared command tree between tests.
func resetFlags(t *testing.T, c *cobra.Command, names ...string) {
	t.Helper()
	for _, name := range names {
		f := c.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("flag %q not found on %s", name, c.Name())
		}
		if sv, ok := f.Value.(interface{ Replace([]string) error }); ok {
			if err := sv.Replace(nil); err != nil {
				t.Fatalf("failed to reset %s: %v", name, err)
			}
		} else if err := f.Value.Set(f.DefValue); err != nil {
			t.Fatalf("failed to reset %s: %v", name, err)
		}
		f.Changed = false
	}
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}
