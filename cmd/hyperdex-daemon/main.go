// Command hyperdex-daemon runs one hyperdex storage server: it connects to
// a coordinator, learns its place in the cluster's configuration, and
// serves client and chain-replication traffic for its assigned regions
// (spec.md §5, §6.4).
package main

import (
	"fmt"
	"os"

	"github.com/dreamware/hyperdex/cmd/hyperdex-daemon/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
