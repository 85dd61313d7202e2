package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	app := &cli.App{
		Name:  "keeper",
		Usage: "PowerAgent keeper node",
		Commands: []*cli.Command{
			runCommand(),
			keystoreCommand(),
			decodeJobCommand(),
			versionCommand(),
		},
		DefaultCommand: "run",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
