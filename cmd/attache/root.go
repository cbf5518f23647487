package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/format"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var jsonOutput bool
	var outputName string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "attache",
		Short:         "Attache manages file attachments on records across cache and store storages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			warning, err := configureLoggerForCLI(logLevel, cfg.LogLevel)
			if err != nil {
				return err
			}
			if warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
			if outputName != "" {
				formatter, err := format.New(outputName)
				if err != nil {
					return err
				}
				outputFormatter = formatter
				jsonOutput = true
			}
			return nil
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVarP(&outputName, "output", "o", "", "structured output format: json, pretty or yaml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newRecordCmd(cfg, &jsonOutput),
		newAttachCmd(cfg, &jsonOutput),
		newPromoteCmd(cfg, &jsonOutput),
		newShowCmd(cfg, &jsonOutput),
		newURLCmd(cfg),
		newDeriveCmd(cfg, &jsonOutput),
		newDestroyCmd(cfg, &jsonOutput),
		newWorkerCmd(cfg, &jsonOutput),
		newCacheCmd(cfg, &jsonOutput),
		newMigrateCmd(cfg, &jsonOutput),
		newConfigCmd(cfg, &jsonOutput),
	)

	return cmd
}
