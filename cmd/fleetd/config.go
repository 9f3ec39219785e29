package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetops/agentops/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate fleetd configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the configuration file and report any structural errors",
	RunE:  runConfigValidate,
}

var printResolved bool

func init() {
	configValidateCmd.Flags().BoolVar(&printResolved, "print", false, "print the fully-resolved configuration (defaults and env overrides applied)")
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration is valid\n", cfgFile)
	if printResolved {
		out, err := config.MarshalYAML(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}
