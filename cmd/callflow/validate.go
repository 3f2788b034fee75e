package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/callflow/pkg/config"
	"github.com/dukex/callflow/pkg/graph"
	"github.com/dukex/callflow/pkg/validation"
	cli "github.com/urfave/cli/v3"
)

var ErrInvalidFlow = errors.New("flow cannot be published")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:    "validate",
		Aliases: []string{"v"},
		Usage:   "Check a YAML or JSON flow file the way publishing would",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Flow definition file",
				Required: true,
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			path := command.String("file")
			out := command.Root().Writer

			file, err := config.LoadFlowFile(path)
			if err != nil {
				return err
			}

			err = validation.New().ValidateDefinition(&file.Definition)

			switch {
			case err == nil:
				fmt.Fprintf(out, "%s: valid (%d nodes, %d edges)\n", path, len(file.Nodes), len(file.Edges))

				return nil
			case graph.IsMalformed(err):
				fmt.Fprintf(out, "%s: %v\n", path, err)
			case validation.IsValidationError(err):
				reasons := validation.Reasons(err)

				fmt.Fprintf(out, "%s: %d problem(s)\n", path, len(reasons))

				for _, reason := range reasons {
					fmt.Fprintf(out, "  - %s\n", reason)
				}
			default:
				return err
			}

			return fmt.Errorf("%w: %s", ErrInvalidFlow, path)
		},
	}
}
