// Command tessel compiles schemas and queries, serves the reference engine
// and runs scenario files.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tessel/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
