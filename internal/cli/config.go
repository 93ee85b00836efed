package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file, ROOMSTATE_*
environment variables and flags are applied, as YAML.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return rootOpts.formatter(cmd).Fail(ExitCommandError, CodeConfig, "load config", err)
			}
			if rootOpts.Format == "json" {
				return rootOpts.formatter(cmd).Success(cfg, nil)
			}
			return cfg.Write(cmd.OutOrStdout())
		},
	}
}
