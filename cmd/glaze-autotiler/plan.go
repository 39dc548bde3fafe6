package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/engine"
	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/state"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

type planOptions struct {
	showConfig bool
	showWorld  bool
}

// newPlanCmd queries GlazeWM once and prints what the agent would send,
// without sending it.
func newPlanCmd(root *rootOptions) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the commands the agent would send for the current windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(root.configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			logger := util.NewLoggerWithWriter(util.ParseLogLevel(root.logLevel), cmd.ErrOrStderr())
			reg := loadRegistry(cfg, path, logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			connectTimeout := time.Duration(cfg.IPC.ConnectTimeoutMs) * time.Millisecond
			ctx, cancel := context.WithTimeout(ctx, 2*connectTimeout)
			defer cancel()
			conn, err := ipc.Dial(ctx, cfg.IPC.URL, ipc.ConnOptions{
				ConnectTimeout: connectTimeout,
				AckTimeout:     time.Duration(cfg.IPC.AckTimeoutMs) * time.Millisecond,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer conn.Close()
			world, err := conn.QueryState(ctx)
			if err != nil {
				return fmt.Errorf("query state: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", filepath.Clean(path))
			return printPlan(cmd.OutOrStdout(), cfg, world, reg, logger, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.showConfig, "show-config", false, "print the effective configuration")
	cmd.Flags().BoolVar(&opts.showWorld, "show-world", false, "print the queried window state")
	return cmd
}

func printPlan(w io.Writer, cfg *config.Config, world *state.World, reg *strategy.Registry, logger *util.Logger, opts *planOptions) error {
	if opts.showConfig {
		fmt.Fprintln(w, "\n=== Configuration ===")
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		enc.Close()
	}
	if opts.showWorld {
		fmt.Fprintln(w, "\n=== World Snapshot ===")
		data, err := json.MarshalIndent(world, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	}

	plans := engine.Preview(world, cfg, reg, logger)
	if len(plans) == 0 {
		fmt.Fprintln(w, "\nNo workspaces to arrange.")
		return nil
	}
	fmt.Fprintln(w, "\n=== Planned Commands ===")
	for _, p := range plans {
		name := p.Strategy
		if p.Fallback != "" {
			name = fmt.Sprintf("%s (rejected, falling back to %s)", p.Strategy, p.Fallback)
		}
		fmt.Fprintf(w, "workspace %s: %s, %d tiled, %d already in place\n", p.Workspace, name, p.Windows, p.Skipped)
		if p.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", p.Error)
		}
		for _, c := range p.Commands {
			fmt.Fprintf(w, "  %s\n", c)
		}
	}
	return nil
}
