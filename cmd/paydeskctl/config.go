package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wizardbeardstudio/paydesk/internal/platform/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect daemon configuration",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg.Redacted()); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}
			validate, _ := cmd.Flags().GetBool("validate")
			if validate {
				return cfg.Validate()
			}
			return nil
		},
	}
	show.Flags().StringP("file", "f", "", "yaml config file (defaults to $PAYDESK_CONFIG)")
	show.Flags().Bool("validate", false, "fail when the configuration does not validate")
	cmd.AddCommand(show)
	return cmd
}
