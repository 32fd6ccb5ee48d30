// Command scanqa runs the scan review service and its maintenance commands.
package main

import (
	"fmt"
	"os"

	"scanqa/internal/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
