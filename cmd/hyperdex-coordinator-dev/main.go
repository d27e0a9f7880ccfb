// Command hyperdex-coordinator-dev runs internal/testcoordinator against a
// topology file, for local multi-node development and manual testing. It is
// explicitly not a conformant coordinator: it has no placement algorithm of
// its own and simply serves whatever topology it was given (spec.md §1:
// coordinator consensus and placement computation are out of scope).
package main

import (
	"fmt"
	"os"

	"github.com/dreamware/hyperdex/cmd/hyperdex-coordinator-dev/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
