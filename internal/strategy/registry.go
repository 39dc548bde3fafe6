package strategy

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/orbi-tal/glaze-autotiler/internal/config"
	"github.com/orbi-tal/glaze-autotiler/internal/layout"
	"github.com/orbi-tal/glaze-autotiler/internal/util"
)

// Kind tells built-in strategies from script strategies.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindScript  Kind = "script"
)

// Entry is one selectable strategy.
type Entry struct {
	Name        string
	DisplayName string
	Kind        Kind
	Source      string
	Strategy    layout.Strategy
}

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrScriptNotFound  = errors.New("no script found")
)

//go:embed scripts/*.js
var bundled embed.FS

// Options tune registry construction.
type Options struct {
	// BaseDir resolves relative script paths, normally the config directory.
	BaseDir       string
	ScriptTimeout time.Duration
	Logger        *util.Logger
}

// Registry maps strategy names to implementations. It is immutable once
// built; configuration reloads build a new one.
type Registry struct {
	entries map[string]Entry
	order   []string
}

func builtins(cfg *config.Config) []layout.Strategy {
	return []layout.Strategy{
		layout.Dwindle{},
		layout.NewMasterStack(cfg.MasterRatio),
		layout.Grid{},
	}
}

// FallbackName is the strategy used when nothing else is usable.
const FallbackName = "dwindle"

// Load builds a registry from configuration. Built-in strategies are always
// present unless a layouts entry disables them; other enabled layouts are
// looked up as <name>.js in the script directories. Layouts that cannot be
// loaded are left out and reported as *config.ConfigError.
func Load(cfg *config.Config, opts Options) (*Registry, []error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(util.LevelInfo)
	}
	r := &Registry{entries: make(map[string]Entry)}
	var problems []error

	for _, s := range builtins(cfg) {
		setting, configured := cfg.Layouts[s.Name()]
		if configured && !setting.Enabled {
			logger.Debugf("layout %s disabled by config", s.Name())
			continue
		}
		r.add(Entry{
			Name:        s.Name(),
			DisplayName: displayName(s.Name(), setting.DisplayName),
			Kind:        KindBuiltin,
			Source:      string(KindBuiltin),
			Strategy:    s,
		})
	}

	dirs := cfg.ScriptDirs(opts.BaseDir)
	for _, name := range cfg.LayoutNames() {
		setting := cfg.Layouts[name]
		if _, ok := r.entries[name]; ok || !setting.Enabled || isBuiltin(cfg, name) {
			continue
		}
		path, err := findScript(name, dirs)
		if err != nil {
			problems = append(problems, &config.ConfigError{Field: "layouts." + name, Err: err})
			continue
		}
		script, err := LoadScript(name, path, opts.ScriptTimeout)
		if err != nil {
			problems = append(problems, &config.ConfigError{Field: "layouts." + name, Err: fmt.Errorf("%s: %w", path, err)})
			continue
		}
		r.add(Entry{
			Name:        name,
			DisplayName: displayName(name, setting.DisplayName),
			Kind:        KindScript,
			Source:      path,
			Strategy:    script,
		})
		logger.Debugf("loaded script layout %s from %s", name, path)
	}
	for _, p := range problems {
		logger.Warnf("layout excluded: %v", p)
	}
	return r, problems
}

// FromStrategies builds a registry directly, mainly for tests and embedding.
func FromStrategies(strategies ...layout.Strategy) *Registry {
	r := &Registry{entries: make(map[string]Entry)}
	for _, s := range strategies {
		r.add(Entry{Name: s.Name(), DisplayName: displayName(s.Name(), ""), Kind: KindBuiltin, Source: string(KindBuiltin), Strategy: s})
	}
	return r
}

func (r *Registry) add(e Entry) {
	if _, exists := r.entries[e.Name]; !exists {
		r.order = append(r.order, e.Name)
	}
	r.entries[e.Name] = e
}

// Lookup returns the named strategy.
func (r *Registry) Lookup(name string) (layout.Strategy, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return e.Strategy, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// List returns entries in registration order: built-ins first, then scripts
// sorted by name.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

// Names returns registered names in List order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Resolve returns name when it is registered, otherwise the first available
// strategy. ok is false when a substitution happened.
func (r *Registry) Resolve(name string) (resolved string, ok bool) {
	if r.Has(name) {
		return name, true
	}
	if len(r.order) > 0 {
		return r.order[0], false
	}
	return "", false
}

func isBuiltin(cfg *config.Config, name string) bool {
	for _, s := range builtins(cfg) {
		if s.Name() == name {
			return true
		}
	}
	return false
}

func findScript(name string, dirs []string) (string, error) {
	for _, dir := range dirs {
		path := filepath.Join(dir, name+".js")
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w for %q in %s", ErrScriptNotFound, name, strings.Join(dirs, ", "))
}

func displayName(name, configured string) string {
	if configured != "" {
		return configured
	}
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// WriteDefaultScripts copies the bundled example scripts into dir, leaving
// existing files untouched. It returns the paths it wrote.
func WriteDefaultScripts(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	names, err := fs.Glob(bundled, "scripts/*.js")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	var written []string
	for _, name := range names {
		dst := filepath.Join(dir, filepath.Base(name))
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		data, err := bundled.ReadFile(name)
		if err != nil {
			return written, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", dst, err)
		}
		written = append(written, dst)
	}
	return written, nil
}
