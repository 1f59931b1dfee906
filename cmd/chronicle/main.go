// Command chronicle is the CLI and server for the chronicle event store.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/chronicle/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
