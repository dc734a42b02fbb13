// Command possync reconciles offline point-of-sale sales with server
// inventory.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/possync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
