package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dukex/contractflow/pkg/cmd"
	"github.com/dukex/contractflow/pkg/log"
	"github.com/dukex/contractflow/pkg/models"
	"github.com/dukex/contractflow/pkg/services"
	"github.com/dukex/contractflow/pkg/templatedoc"
	cli "github.com/urfave/cli/v3"
)

var (
	errNoFiles       = errors.New("at least one template file is required")
	errInvalidFiles  = errors.New("some template documents are invalid")
	errTemplateIDArg = errors.New("template id is required")
)

// withTemplates opens the store named by --database-url and hands fn a registry over it.
func withTemplates(
	ctx context.Context,
	command *cli.Command,
	fn func(templates *services.Templates) error,
) error {
	logger := log.WithModule("templates")

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		err := store.Close(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	return fn(services.NewTemplates(store, services.WithLogger(logger)))
}

func importTemplates(ctx context.Context, command *cli.Command) error {
	paths := command.Args().Slice()
	if len(paths) == 0 {
		return errNoFiles
	}

	return withTemplates(ctx, command, func(templates *services.Templates) error {
		for _, path := range paths {
			document, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			template, err := templates.Import(ctx, document, templatedoc.DetectFormat(path))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			_, _ = fmt.Fprintf(command.Root().Writer, "imported %s as %s (version %d)\n", path, template.ID, template.Version)
		}

		return nil
	})
}

func validateTemplates(_ context.Context, command *cli.Command) error {
	paths := command.Args().Slice()
	if len(paths) == 0 {
		return errNoFiles
	}

	out := command.Root().Writer
	failed := false

	for _, path := range paths {
		err := validateFile(path)
		if err != nil {
			failed = true

			_, _ = fmt.Fprintf(out, "%s: %v\n", path, err)

			continue
		}

		_, _ = fmt.Fprintf(out, "%s: ok\n", path)
	}

	if failed {
		return errInvalidFiles
	}

	return nil
}

func validateFile(path string) error {
	document, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return templatedoc.Validate(document, templatedoc.DetectFormat(path))
}

func listTemplates(ctx context.Context, command *cli.Command) error {
	return withTemplates(ctx, command, func(templates *services.Templates) error {
		var (
			list []*models.WorkflowTemplate
			err  error
		)

		if contractType := command.String("contract-type"); contractType != "" {
			list, err = templates.ListByCategory(ctx, contractType)
		} else {
			list, err = templates.List(ctx)
		}

		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(command.Root().Writer, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tCONTRACT TYPE\tSTEPS\tVERSION\tACTIVE")

		for _, template := range list {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\n",
				template.ID, template.Name, template.ContractType, len(template.Steps), template.Version, template.IsActive)
		}

		return w.Flush()
	})
}

func exportTemplate(ctx context.Context, command *cli.Command) error {
	id := command.Args().First()
	if id == "" {
		return errTemplateIDArg
	}

	format, err := templatedoc.ParseFormat(command.String("format"))
	if err != nil {
		return err
	}

	return withTemplates(ctx, command, func(templates *services.Templates) error {
		template, err := templates.Get(ctx, id)
		if err != nil {
			return err
		}

		document, err := templatedoc.Marshal(template, format)
		if err != nil {
			return err
		}

		_, err = command.Root().Writer.Write(document)

		return err
	})
}
