package main

import (
	"fmt"
	"os"

	"github.com/roach88/harvester/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
