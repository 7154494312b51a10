package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bifrost-vtt/conduit/internal/config"
	"github.com/bifrost-vtt/conduit/internal/registry"
	"github.com/bifrost-vtt/conduit/internal/snapshot"
	"github.com/bifrost-vtt/conduit/pkg/protocol"
)

func newSnapshotCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		hidden bool
		types  []string
	)

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the token list of the active scene",
		Long: `Print the token_list_update message the engine would push for the
configured scene store, as indented JSON. Nothing is tracked, so every
token is reported as untracked.

Example:
  conduit snapshot --config-dir ./config --hidden --type player --type npc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(rootOpts.ConfigDir); err != nil {
				return err
			}
			ctx := cmd.Context()

			h, closeHost, err := openHost(ctx, config.GetSceneConfig(), nil, Version, zerolog.Nop())
			if err != nil {
				return fmt.Errorf("open scene store: %w", err)
			}
			defer closeHost()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			reg := registry.New(h, registry.WithLogger(logger))
			opts := snapshot.Options{IncludeHidden: hidden}
			for _, t := range types {
				opts.Types = append(opts.Types, protocol.TokenType(t))
			}

			update, err := snapshot.New(h, reg, snapshot.WithLogger(logger)).TokenListUpdate(ctx, opts, "")
			if err != nil {
				return err
			}
			data, err := protocol.Encode(update)
			if err != nil {
				return err
			}
			var out bytes.Buffer
			if err := json.Indent(&out, data, "", "  "); err != nil {
				return err
			}
			out.WriteByte('\n')
			_, err = out.WriteTo(cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().BoolVar(&hidden, "hidden", false, "include hidden tokens")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only include tokens of this type (repeatable)")
	return cmd
}
