package main

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v2"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Display version information",
		Action: func(c *cli.Context) error {
			fmt.Println("PowerAgent Keeper")
			fmt.Printf("Version:      %s\n", version)
			fmt.Printf("Go Version:   %s\n", runtime.Version())
			return nil
		},
	}
}
