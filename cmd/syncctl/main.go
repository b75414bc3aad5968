// Command syncctl runs and inspects an offline-first record sync client.
package main

import (
	"fmt"
	"os"

	"github.com/c0deZ3R0/go-record-sync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
