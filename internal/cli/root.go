package cli

import (
	"flag"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
}

// NewRootCommand creates the root command for the mxconv CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mxconv",
		Short: "mxconv - MXNet convolutions on GoMLX",
		Long:  "Lowers the convolution operators of an MXNet symbol file to a GoMLX graph, and executes it.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Verbose {
				return setLogVerbosity(2)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output, logs each lowered operator")

	// Add subcommands
	cmd.AddCommand(NewLowerCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))

	return cmd
}

// setLogVerbosity sets the klog verbosity level.
func setLogVerbosity(level int) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(level)); err != nil {
		return errors.Wrap(err, "failed to set log verbosity")
	}
	return nil
}
