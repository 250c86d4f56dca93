package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"aieval/pkg/config"
	"aieval/pkg/protocol"
)

func newInitCmd() *cobra.Command {
	var (
		project bool
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: "Writes config.yaml with the defaults to the aieval home directory, or to\n" +
			"./.aieval with --project for per-project overrides.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := config.ResolveHome()
			if err != nil {
				return err
			}
			if project {
				wd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("get working dir: %w", err)
				}
				dir = filepath.Join(wd, protocol.ProjectDir)
			}
			path, err := config.WriteDefault(dir, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&project, "project", false, "write ./.aieval/config.yaml instead")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := newPrinter(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if p.json {
				return p.emit(cfg, nil)
			}
			if format != "yaml" && format != "toml" {
				return protocol.NewValidation("format", format, "must be yaml or toml")
			}
			data, err := cfg.Marshal(format)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			return p.emit(nil, func(w io.Writer) {
				fmt.Fprintf(w, "# home: %s\n", cfg.Home)
				_, _ = w.Write(data)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml or toml")
	return cmd
}
