// Command roomstate runs a federated room state server and its tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/roomstate/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roomstate:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
