// Command groupcast compiles entity specs, commits change batches and routes
// the resulting notifications to their groups.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/groupcast/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
