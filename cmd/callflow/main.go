// Package main provides the callflow server and the offline flow validator.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func NewCommand() *cli.Command {
	return &cli.Command{
		Name:                  "callflow",
		Usage:                 "Publish versioned call flows and execute calls against them",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewServeCommand(),
			NewValidateCommand(),
		},
	}
}

func main() {
	err := NewCommand().Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
