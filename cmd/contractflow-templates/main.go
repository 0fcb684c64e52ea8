// Package main provides the template management CLI.
package main

import (
	"context"
	"os"

	"github.com/dukex/contractflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "contractflow-templates",
		Usage:                 "Import, validate and list contract workflow templates",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (file path or postgres://)",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), "text")

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "import",
				Aliases:   []string{"i"},
				Usage:     "Register template documents (JSON or YAML)",
				ArgsUsage: "FILE...",
				Action:    importTemplates,
			},
			{
				Name:      "validate",
				Aliases:   []string{"v"},
				Usage:     "Check template documents against the schema and the step graph rules without storing them",
				ArgsUsage: "FILE...",
				Action:    validateTemplates,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List registered templates",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "contract-type",
						Usage: "Only list templates of this contract type",
					},
				},
				Action: listTemplates,
			},
			{
				Name:      "export",
				Usage:     "Print a registered template as a document",
				ArgsUsage: "ID",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Usage: "Output format (json, yaml)",
						Value: "yaml",
					},
				},
				Action: exportTemplate,
			},
		},
	}
}

func main() {
	err := newCommand().Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("templates").Error("contractflow-templates failed", "error", err)
		os.Exit(1)
	}
}
