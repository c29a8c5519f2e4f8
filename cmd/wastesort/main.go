// Command wastesort runs one node of the waste sorting system: the
// controller that owns the bin lids, or the classifier that watches the
// camera and tells the controller which lid to open.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/wastesort/internal/version"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "wastesort",
		Short: "Smart waste sorting nodes",
		Long: `wastesort runs either half of the sorting station.

The controller accepts one classifier at a time on TCP, opens the requested
bin lid, closes it again after a delay, and reports bin fill levels over HTTP.
The classifier detects objects in camera frames, maps them to a waste
category, and sends the matching open command.

Examples:
  wastesort controller --config config/wastesort.example.yaml
  WASTESORT_HARDWARE=serial WASTESORT_SERIAL_PATH=/dev/ttyACM0 wastesort controller
  wastesort classifier -c config/wastesort.example.yaml --log-level debug`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults and WASTESORT_* variables apply without one)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log_level: debug, info, warn or error")

	cmd.AddCommand(newControllerCmd(opts), newClassifierCmd(opts), newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Current())
			return err
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
