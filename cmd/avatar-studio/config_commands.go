package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/menta2k/avatar-studio/internal/config"
	"github.com/menta2k/avatar-studio/internal/utils"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))
	configCmd.AddCommand(newConfigValidateCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the default configuration to a file",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				target = config.GetConfigPath()
			}

			dir := filepath.Dir(target)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config directory %q: %w", dir, err)
			}
			if !overwrite && utils.FileExists(target) {
				return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
			}

			if err := config.Default().SaveToFile(target); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote default configuration to %s\n", target)
			fmt.Fprintln(out, "Set avatar.source (or export AVATAR_SOURCE) before running avatar-studio.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination (.toml or .json)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing file")
	return cmd
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, configRows(cfg), nil))
			return nil
		},
	}
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config path: %s\n", ctx.configPath)
			if !ctx.fromFile {
				fmt.Fprintln(out, "Config file did not exist; defaults were used")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func configRows(cfg *config.Config) [][]string {
	camera := cfg.Camera.Source
	switch cfg.Camera.Source {
	case "device":
		camera += " " + cfg.Camera.Device
	case "http":
		camera += " " + cfg.Camera.URL
	case "still":
		camera += " " + cfg.Camera.Image
	}
	landmarks := cfg.Landmarks.Provider
	if cfg.Landmarks.Provider == "replay" {
		landmarks += " " + cfg.Landmarks.Replay
	} else {
		landmarks += " " + cfg.Landmarks.URL
	}
	vision := cfg.Vision.Backend
	if vision != "none" {
		vision += fmt.Sprintf(" %s (%s)", cfg.Vision.URL, cfg.Vision.Model)
	}

	return [][]string{
		{"avatar", orDash(cfg.Avatar.Source)},
		{"camera", camera},
		{"camera size", fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height)},
		{"landmarks", landmarks},
		{"canvas", fmt.Sprintf("%dx%d", cfg.Compositor.Width, cfg.Compositor.Height)},
		{"refresh rate", strconv.Itoa(cfg.Tracking.RefreshRate) + " Hz"},
		{"no-face grace", cfg.Grace().String()},
		{"recording", fmt.Sprintf("%s @ %d fps, %s", cfg.Recording.OutputDir, cfg.Recording.FPS, cfg.Recording.Bitrate)},
		{"codec preferences", strings.Join(cfg.Recording.Preferences, ", ")},
		{"vision", vision},
		{"server", cfg.Server.Bind},
		{"log level", cfg.Log.Level},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
