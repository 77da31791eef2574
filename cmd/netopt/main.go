// netopt is a Linux multipath routing optimizer: it discovers active
// network interfaces, probes each upstream gateway for quality, computes
// per-path weights from latency, link class, and optional BGP AS-path
// intelligence, and installs a single ECMP default route whose nexthop
// list encodes those weights. A safety envelope wraps every mutation in
// a checkpoint-backed transaction and, for remote sessions, a watchdog
// that auto-rolls-back on missed confirmation.
//
// Verbs:
//
//	netopt apply                          # probe, plan, install
//	netopt restore                        # reinstall the last route backup
//	netopt status                         # show installed route, checkpoint, watchdog state
//	netopt checkpoint {create,list,restore,delete,prune}
//	netopt watchdog {confirm,cancel,extend,status}
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netopt/netopt/pkg/util"
	"github.com/netopt/netopt/pkg/version"
)

var (
	verbose     bool
	jsonOutput  bool
	configFlag  string
	stateDir    string
	noWatchdog  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(util.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:               "netopt",
	Short:             "Linux multipath routing optimizer",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `netopt measures every admin-up interface's upstream gateway, scores a
weighted ECMP default route from the result, and applies it inside a
checkpoint-backed, watchdog-guarded transaction.

  netopt apply                 # probe, plan, install
  netopt restore                # reinstall the last route backup
  netopt status                 # installed route, checkpoint, watchdog state
  netopt checkpoint create|list|restore|delete|prune
  netopt watchdog confirm|cancel|extend|status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("info")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose (debug) logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output where supported")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to netopt.conf (overrides system/user config)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "/var/lib/netopt", "State root (lock, route-backup, checkpoints, cache)")

	applyCmd.Flags().BoolVar(&noWatchdog, "no-watchdog", false, "Disable the remote-session watchdog for this invocation")

	rootCmd.AddCommand(applyCmd, restoreCmd, statusCmd, checkpointCmd, watchdogCmd, versionCmd, superviseCmd)
}

var versionCmd = &cobra.Command{
	Use:    "version",
	Short:  "Print version information",
	Hidden: false,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("netopt %s\n", version.Info())
	},
}
