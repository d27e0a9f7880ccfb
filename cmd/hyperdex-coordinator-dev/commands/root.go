// Package commands implements the hyperdex-coordinator-dev CLI: cobra for
// flags, viper for loading the topology file, the same pairing
// cmd/hyperdex-daemon/commands uses.
package commands

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "hyperdex-coordinator-dev",
	Short: "Serve a fixed topology to hyperdex-daemon processes for local development",
	Long: `hyperdex-coordinator-dev loads a topology file describing hosts, spaces,
subspaces, and regions, and serves it to connecting hyperdex-daemon
processes over the same directive protocol a real coordinator would use.
It never recomputes placement on its own: the topology file is the whole
configuration, published once at startup.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.String("listen", "127.0.0.1:1982", "address to listen for daemon connections on")
	flags.String("topology", "", "path to a topology YAML file (required)")

	v.SetEnvPrefix("HYPERDEX_COORDINATOR_DEV")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}
