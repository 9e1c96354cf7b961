package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/orion/internal/config"
)

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration files",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a configuration file and report every problem in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := config.Load(configPath)
			if err != nil {
				var verr *config.ValidationError
				if errors.As(err, &verr) {
					color.New(color.FgRed).Fprintf(out, "%s is invalid:\n", configPath) //nolint:errcheck
					for _, issue := range verr.Issues {
						fmt.Fprintf(out, "  - %s\n", issue)
					}
				}
				return err
			}
			color.New(color.FgGreen).Fprintf(out, "%s is valid", configPath) //nolint:errcheck
			fmt.Fprintf(out, " (version %d, listening on %s, llm %s)\n", cfg.Version, cfg.Server.Addr(), cfg.LLM.Provider)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")
	return cmd
}
