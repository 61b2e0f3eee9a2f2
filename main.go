// Trialgraph - community-scoped clinical-trial similarity engine.
//
// Trialgraph ingests clinical-trial registry data into an embedded graph
// store, detects communities over the trial-term relationship graph, and
// recommends trials similar to a query trial within its community.
package main

import (
	"fmt"
	"os"

	"github.com/graphmed/trialgraph/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
