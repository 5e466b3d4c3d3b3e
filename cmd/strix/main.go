package main

import (
	"fmt"
	"os"
)

func main() {
	cli := newCLI()
	rootCmd := newRootCommand(cli)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
	os.Exit(cli.exitCode)
}
