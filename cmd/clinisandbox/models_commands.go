package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/manthysbr/clinisandbox/internal/registry"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the diagnostic model registry",
	}
	modelsCmd.AddCommand(newModelsImportCommand(ctx))
	modelsCmd.AddCommand(newModelsListCommand(ctx))
	return modelsCmd
}

func newModelsImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Upsert models from a YAML seed file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := cfg.Registry.SeedFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no seed file given and registry.seed_file is not set")
			}

			models, err := registry.LoadFile(path)
			if err != nil {
				return err
			}
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := registry.Import(cmd.Context(), store, models)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d model(s) from %s\n", n, path)
			return nil
		},
	}
}

func newModelsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list [key]",
		Short: "List registered models",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			models, err := store.ListModels(cmd.Context(), key)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(models))
			for _, m := range models {
				rows = append(rows, []string{
					m.Key,
					m.Version,
					m.Name,
					strconv.FormatFloat(m.Accuracy, 'f', 3, 64),
					strconv.Itoa(len(m.Manifest.RequiredObservations)),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Key", "Version", "Name", "Accuracy", "Requirements"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
}
