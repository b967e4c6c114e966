package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/john/streamhub/internal/config"
	"github.com/john/streamhub/internal/kick"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and validate the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: OK\n", resolveConfigPath())
		names := cfg.Platforms.EnabledNames()
		if len(names) == 0 {
			fmt.Fprintln(out, "no platforms enabled")
		}
		for _, name := range names {
			fmt.Fprintf(out, "  %s\n", name)
		}
		return nil
	},
}

var kickCmd = &cobra.Command{
	Use:   "kick",
	Short: "Kick helpers",
}

var kickResolveCmd = &cobra.Command{
	Use:   "resolve <channel>...",
	Short: "Look up chatroom ids for Kick channels",
	Long: `Look up chatroom ids for Kick channels and print a config snippet.

Example:
  streamhub kick resolve paymoneywubby xqc`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		resolver := kick.NewResolver()
		fmt.Fprintf(out, "Resolving %d Kick channel(s)...\n\n", len(args))

		var resolved []config.KickChannel
		failed := 0
		for _, slug := range args {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			ch, err := resolver.Resolve(ctx, slug)
			cancel()
			if err != nil {
				failed++
				fmt.Fprintf(out, "✗ %s: %v\n", slug, err)
				continue
			}
			fmt.Fprintf(out, "✓ %s: %d\n", ch.Slug, ch.ChatroomID)
			resolved = append(resolved, config.KickChannel{Slug: ch.Slug, ChatroomID: ch.ChatroomID})
		}

		if len(resolved) > 0 {
			snippet := map[string]any{
				"platforms": map[string]any{
					"kick": map[string]any{"enabled": true, "channels": resolved},
				},
			}
			data, err := yaml.Marshal(snippet)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nAdd this to your config.yaml:\n---\n%s", data)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d channel(s) failed to resolve", failed, len(args))
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	kickCmd.AddCommand(kickResolveCmd)
}
