package main

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"castpipe/internal/config"
)

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand())
	configCmd.AddCommand(newConfigShowCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			written, err := config.WriteSample(strings.TrimSpace(targetPath))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", written)
			fmt.Fprintln(out, "Edit the file to set feed URLs and API keys before running castpipe.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	var pathFlag string

	cmd := &cobra.Command{
		Use:         "validate",
		Short:       "Validate the configuration file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(pathFlag)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration valid (%d feed(s), storage backend %q)\n",
				len(cfg.Feeds), cfg.Storage.Backend)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pathFlag, "path", "p", "", "Configuration file to validate")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	var pathFlag string

	cmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the resolved configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(pathFlag)
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Transcriber.APIKey = redactSecret(redacted.Transcriber.APIKey)
			redacted.SpeakerLLM.APIKey = redactSecret(redacted.SpeakerLLM.APIKey)
			redacted.Embedding.APIKey = redactSecret(redacted.Embedding.APIKey)
			redacted.Qdrant.APIKey = redactSecret(redacted.Qdrant.APIKey)
			redacted.Storage.SecretKey = redactSecret(redacted.Storage.SecretKey)

			data, err := toml.Marshal(redacted)
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&pathFlag, "path", "p", "", "Configuration file to show")
	return cmd
}

func redactSecret(value string) string {
	if value == "" {
		return ""
	}
	return "<redacted>"
}
