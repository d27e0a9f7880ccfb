// Package commands implements the hyperdex-daemon CLI surface (spec.md
// §6.4): cobra for flag parsing, viper for HYPERDEX_*-prefixed environment
// overrides, matching the pattern marmos91-dittofs's cmd/dittofs/commands
// registers for its own cobra/viper users.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set via -ldflags at build time.
var Version = "dev"

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "hyperdex-daemon",
	Short: "Run one hyperdex storage server",
	Long: `hyperdex-daemon connects to a coordinator, learns its assigned host
identity and regions, and serves client and chain-replication traffic for
them until told to shut down or quiesce.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command. Called from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolP("foreground", "f", false, "run in the foreground instead of daemonizing")
	flags.String("data", "", "data directory for the on-disk store (required)")
	flags.String("coordinator", "127.0.0.1:1982", "coordinator address")
	flags.Int("threads", 4, "number of worker threads")
	flags.String("listen", "127.0.0.1", "IP address to announce and listen on")
	flags.Uint16("incoming", 1981, "incoming (client/chain) port")
	flags.Uint16("outgoing", 0, "outgoing port (0: let the transport pick one)")
	flags.String("metrics", "", "address to serve /metrics and /health on (empty: disabled)")
	flags.String("pid-file", "", "PID file path used in daemon mode (default: <data>/hyperdex-daemon.pid)")
	flags.String("log-file", "", "log file path used in daemon mode (default: <data>/hyperdex-daemon.log)")

	v.SetEnvPrefix("HYPERDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}
