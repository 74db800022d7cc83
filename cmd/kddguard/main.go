// Command kddguard serves and runs KDD Cup 99 connection anomaly
// predictions.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "kddguard",
		Short:         "Network connection anomaly detection on KDD Cup 99 features",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML config (default $KDDGUARD_CONFIG)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newPredictCmd(opts),
		newBatchCmd(opts),
		newPcapCmd(opts),
		newReplayCmd(opts),
		newVersionCmd(),
	)
	return root
}
