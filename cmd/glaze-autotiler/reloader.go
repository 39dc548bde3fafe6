package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/strategy"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// reloadTarget receives each configuration that parsed and validated.
type reloadTarget interface {
	Reload(ctx context.Context, cfg *config.Config, reg *strategy.Registry) error
}

type configReloader struct {
	path   string
	logger *util.Logger
	target reloadTarget
	// pinnedLevel is set when --log-level overrides log_level.
	pinnedLevel bool

	mu             sync.Mutex
	lastConfig     *config.Config
	lastSerialized []byte
}

func newConfigReloader(path string, logger *util.Logger, target reloadTarget, cfg *config.Config, serialized []byte) *configReloader {
	return &configReloader{
		path:           path,
		logger:         logger,
		target:         target,
		lastConfig:     cfg,
		lastSerialized: append([]byte(nil), serialized...),
	}
}

// loadRegistry builds the layout registry for cfg, resolving scripts
// relative to the config directory.
func loadRegistry(cfg *config.Config, path string, logger *util.Logger) *strategy.Registry {
	reg, _ := strategy.Load(cfg, strategy.Options{
		BaseDir: filepath.Dir(path),
		Logger:  logger.Named("layouts"),
	})
	return reg
}

// Reload re-reads the config file. A file that fails to parse or validate
// is rejected and the last good configuration stays active.
func (r *configReloader) Reload(ctx context.Context, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Infof("%s, reloading config", reason)
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(raw)
	if err != nil {
		r.logDiff(raw)
		return err
	}
	if diff := config.Diff(r.lastConfig, cfg); diff != "" {
		r.logger.Debugf("config changes (-old +new):\n%s", diff)
	}
	if !r.pinnedLevel {
		r.logger.SetLevel(util.ParseLogLevel(cfg.LogLevel))
	}
	if r.lastConfig != nil && r.lastConfig.Metrics.Listen != cfg.Metrics.Listen {
		r.logger.Warnf("metrics.listen changed to %q; restart to apply", cfg.Metrics.Listen)
	}
	if r.lastConfig != nil && r.lastConfig.IPC != cfg.IPC {
		r.logger.Warnf("ipc settings changed; restart to apply")
	}

	reg := loadRegistry(cfg, r.path, r.logger)
	if err := r.target.Reload(ctx, cfg, reg); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("apply config: %w", err)
	}

	r.lastConfig = cfg
	r.lastSerialized = append([]byte(nil), raw...)
	return nil
}

// SetDefault persists name as default_layout. The file watcher or the
// caller triggers the reload that applies it.
func (r *configReloader) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return config.SetDefaultLayout(r.path, name)
}

func (r *configReloader) logDiff(current []byte) {
	diff := config.DiffSerialized(r.lastSerialized, current)
	if diff == "" {
		r.logger.Warnf("config change rejected; unable to compute diff vs last valid config")
		return
	}
	r.logger.Warnf("config change rejected; diff vs last valid config:\n%s", diff)
}
