package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/trigg3rX/power-agent-node/internal/keeper/config"
	"github.com/trigg3rX/power-agent-node/pkg/env"
)

func keystoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "keystore",
		Usage: "Manage worker keystores",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate an encrypted worker keystore",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "out",
						Aliases:  []string{"o"},
						Usage:    "keystore file to create",
						Required: true,
					},
				},
				Action: generateKeystore,
			},
		},
	}
}

func generateKeystore(c *cli.Context) error {
	path := c.String("out")
	password := env.GetEnvString("KEEPER_KEYSTORE_PASSWORD", "")
	if password == "" {
		var err error
		if password, err = config.TerminalPrompt(os.Stdin, os.Stderr)(path); err != nil {
			return err
		}
	}
	addr, err := config.GenerateKeystore(path, password, false)
	if err != nil {
		return err
	}
	fmt.Printf("Worker address: %s\n", addr.Hex())
	fmt.Printf("Keystore:       %s\n", path)
	return nil
}
