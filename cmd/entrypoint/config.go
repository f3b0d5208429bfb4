package main

import (
	"github.com/spf13/cobra"

	"github.com/oriys/entrypoint/internal/output"
)

func configCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return output.NewPrinter(output.ParseFormat(format), cmd.OutOrStdout()).Print(cfg)
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "json", "Output format: json, yaml")
	return cmd
}
