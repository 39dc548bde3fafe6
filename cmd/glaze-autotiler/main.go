package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/control"
	"github.com/orbi-tal/glaze-autotiler/internal/engine"
	"github.com/orbi-tal/glaze-autotiler/internal/ipc"
	"github.com/orbi-tal/glaze-autotiler/internal/metrics"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
	debug      bool
	socketPath string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "glaze-autotiler",
		Short:         "Automatic tiling layouts for GlazeWM",
		Long:          "glaze-autotiler listens to GlazeWM over its websocket API and keeps every workspace arranged by its selected layout.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.debug && opts.logLevel == "" {
				opts.logLevel = "debug"
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.json (default $XDG_CONFIG_HOME/glaze-autotiler/config.json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace|debug|info|warn|error)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "shorthand for --log-level=debug")
	root.Flags().StringVar(&opts.socketPath, "socket", "", "control socket path")
	root.AddCommand(newCheckCmd(opts), newPlanCmd(opts))
	return root
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and list the layouts it yields",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveConfigPath(opts.configPath)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			reg, problems := strategy.Load(cfg, strategy.Options{
				BaseDir: filepath.Dir(path),
				Logger:  util.NewLoggerWithWriter(util.LevelError, io.Discard),
			})
			out := cmd.OutOrStdout()
			for _, entry := range reg.List() {
				fmt.Fprintf(out, "%-16s %-8s %s\n", entry.Name, entry.Kind, entry.Source)
			}
			if len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "- %v\n", p)
				}
				return fmt.Errorf("configuration has %d issue(s)", len(problems))
			}
			fmt.Fprintln(out, "Configuration OK")
			return nil
		},
	}
}

func resolveConfigPath(path string) (string, error) {
	if path == "" {
		return config.DefaultPath()
	}
	abs, err := filepath.Abs(config.ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return filepath.Clean(abs), nil
}

func runDaemon(parent context.Context, opts *rootOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := util.NewLogger(util.LevelInfo)

	cfgPath, err := resolveConfigPath(opts.configPath)
	if err != nil {
		return err
	}
	created, err := config.EnsureFile(cfgPath)
	if err != nil {
		return fmt.Errorf("create default config: %w", err)
	}
	if created {
		logger.Infof("wrote default configuration to %s", cfgPath)
	}
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		logger.SetLevel(util.ParseLogLevel(opts.logLevel))
	} else {
		logger.SetLevel(util.ParseLogLevel(cfg.LogLevel))
	}
	if dirs := cfg.ScriptDirs(filepath.Dir(cfgPath)); len(dirs) > 0 {
		written, err := strategy.WriteDefaultScripts(dirs[0])
		if err != nil {
			logger.Warnf("write example scripts: %v", err)
		}
		for _, path := range written {
			logger.Infof("wrote example layout script %s", path)
		}
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	transport := ipc.New(ipc.Options{
		URL:            cfg.IPC.URL,
		ConnectTimeout: time.Duration(cfg.IPC.ConnectTimeoutMs) * time.Millisecond,
		AckTimeout:     time.Duration(cfg.IPC.AckTimeoutMs) * time.Millisecond,
		BackoffInitial: time.Duration(cfg.IPC.Backoff.InitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.IPC.Backoff.MaxMs) * time.Millisecond,
		Logger:         logger.Named("ipc"),
	})
	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Registry:  loadRegistry(cfg, cfgPath, logger),
		Transport: transport,
		Logger:    logger.Named("engine"),
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	reloader := newConfigReloader(cfgPath, logger, eng, cfg, raw)
	reloader.pinnedLevel = opts.logLevel != ""
	reload := func(reason string) error {
		return reloader.Reload(ctx, reason)
	}

	ctrlSrv, err := control.NewServer(eng, logger.Named("control"), control.Options{
		SocketPath: opts.socketPath,
		Reload:     reload,
		SetDefault: reloader.SetDefault,
	})
	if err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(cfgPath)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	reloadRequests := make(chan string, 1)
	go watchConfig(logger, watcher, cfgPath, reloadRequests)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return ctrlSrv.Serve(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen, collector, logger.Named("metrics")) })
	}
	g.Go(func() error {
		for {
			var reason string
			select {
			case <-gctx.Done():
				return nil
			case reason = <-reloadRequests:
			case <-hup:
				reason = "received SIGHUP"
			}
			if err := reloader.Reload(gctx, reason); err != nil {
				logger.Errorf("reload failed: %v", err)
			}
		}
	})

	logger.Infof("glaze-autotiler started with config %s", cfgPath)
	err = g.Wait()
	logger.Infof("glaze-autotiler stopped")
	return err
}

func watchConfig(logger *util.Logger, watcher *fsnotify.Watcher, target string, reloadRequests chan<- string) {
	const debounceWindow = 250 * time.Millisecond
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerCh = timer.C
			} else {
				if !timer.Stop() {
					<-timerCh
				}
				timer.Reset(debounceWindow)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil
			select {
			case reloadRequests <- "config file updated":
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("config watcher error: %v", err)
		}
	}
}
