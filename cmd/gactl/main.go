package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbi-tal/glaze-autotiler/internal/control/client"
	"github.com/orbi-tal/glaze-autotiler/internal/ui/tui"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	socket  string
	timeout time.Duration
}

func (o *globalOptions) client() (*client.Client, error) {
	cli, err := client.New(o.socket)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	return cli, nil
}

func (o *globalOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, o.timeout)
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "gactl",
		Short:         "Control a running glaze-autotiler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.socket, "socket", "", "path to the control socket")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Second, "control request timeout")
	root.AddCommand(
		newLayoutsCmd(opts),
		newSetLayoutCmd(opts),
		newReloadCmd(opts),
		newResyncCmd(opts),
		newInspectCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func newLayoutsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "layouts",
		Short: "List available layouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			layouts, err := cli.Layouts(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDISPLAY\tKIND\tWORKSPACES\t")
			for _, l := range layouts {
				name := l.Name
				if l.Default {
					name += " (default)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", name, l.DisplayName, l.Kind, strings.Join(l.Workspaces, ","))
			}
			return tw.Flush()
		},
	}
}

func newSetLayoutCmd(opts *globalOptions) *cobra.Command {
	var workspace string
	var persist bool
	cmd := &cobra.Command{
		Use:   "set-layout <layout>",
		Short: "Select a layout for a workspace or as the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			res, err := cli.SetLayout(ctx, workspace, args[0], persist)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Default {
				fmt.Fprintf(out, "Default layout set to %s\n", res.Layout)
			}
			if res.Workspace != "" {
				fmt.Fprintf(out, "Workspace %s now uses %s\n", res.Workspace, res.Layout)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace to change (default: active workspace)")
	cmd.Flags().BoolVar(&persist, "default", false, "also save the layout as default_layout in the config file")
	return cmd
}

func newReloadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			if err := cli.Reload(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Reload requested")
			return nil
		},
	}
}

func newResyncCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Re-query the window manager and recompute every workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			if err := cli.Resync(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resync complete")
			return nil
		},
	}
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the daemon's model and recent recomputes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			if asJSON {
				insp, err := cli.Inspect(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(insp)
			}
			out, err := tui.RenderOnce(ctx, cli)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw inspection payload")
	return cmd
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of workspaces, layouts and recomputes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := opts.client()
			if err != nil {
				return err
			}
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tui.Run(ctx, cli, refresh, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "poll interval")
	return cmd
}
