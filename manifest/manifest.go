// Package manifest handles npcscript.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/npcscript/scheduler"
	"github.com/chazu/npcscript/vm"
)

// FileName is the manifest looked for by Load and FindAndLoad.
const FileName = "npcscript.toml"

// Manifest represents an npcscript.toml project configuration.
type Manifest struct {
	Project   Project           `toml:"project"`
	Source    Source            `toml:"source"`
	Engine    EngineSettings    `toml:"engine"`
	Scheduler SchedulerSettings `toml:"scheduler"`
	Store     StoreSettings     `toml:"store"`
	// Constants are declared in the engine before any script compiles.
	Constants map[string]any `toml:"constants"`

	// Dir is the directory containing the npcscript.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source configures script locations.
type Source struct {
	Dirs      []string `toml:"dirs"`      // full scripts
	Functions []string `toml:"functions"` // free-standing functions, one per file
	Ext       string   `toml:"ext"`
}

// EngineSettings mirrors vm.Limits; zero fields keep the defaults.
type EngineSettings struct {
	MaxStack        int `toml:"max-stack"`
	MaxArray        int `toml:"max-array"`
	MaxCallDepth    int `toml:"max-call-depth"`
	MaxArgs         int `toml:"max-args"`
	MaxLoopJumps    int `toml:"max-loop-jumps"`
	ExhaustionLimit int `toml:"exhaustion-limit"`
}

// SchedulerSettings mirrors scheduler.Config.
type SchedulerSettings struct {
	TickMS             int64 `toml:"tick-ms"`
	TriggerDelayMS     int64 `toml:"trigger-delay-ms"`
	QueueLimit         int   `toml:"queue-limit"`
	InputIdleTimeoutMS int64 `toml:"input-idle-timeout-ms"`
}

// StoreSettings configures variable persistence.
type StoreSettings struct {
	Path            string `toml:"path"`
	FlushIntervalMS int64  `toml:"flush-interval-ms"`
}

// Default returns the manifest used when no file is found.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.applyDefaults(nil)
	return m
}

// Load parses an npcscript.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults(&md)
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// applyDefaults fills unset fields. Keys present in md keep their values
// even when zero.
func (m *Manifest) applyDefaults(md *toml.MetaData) {
	defined := func(key ...string) bool { return md != nil && md.IsDefined(key...) }

	if len(m.Source.Dirs) == 0 {
		m.Source.Dirs = []string{"scripts"}
	}
	if m.Source.Ext == "" {
		m.Source.Ext = ".nsc"
	}
	sc := scheduler.DefaultConfig()
	if !defined("scheduler", "tick-ms") {
		m.Scheduler.TickMS = sc.TickMS
	}
	if !defined("scheduler", "trigger-delay-ms") {
		m.Scheduler.TriggerDelayMS = sc.TriggerDelay
	}
	if !defined("scheduler", "queue-limit") {
		m.Scheduler.QueueLimit = sc.QueueLimit
	}
	if !defined("scheduler", "input-idle-timeout-ms") {
		m.Scheduler.InputIdleTimeoutMS = sc.InputIdleTimeout
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".npcscript", "vars.db")
	}
	if !defined("store", "flush-interval-ms") {
		m.Store.FlushIntervalMS = 30_000
	}
}

func (m *Manifest) validate() error {
	for name, v := range m.Constants {
		switch v.(type) {
		case int64, string:
		default:
			return fmt.Errorf("constant %s: want integer or string, got %T", name, v)
		}
	}
	if m.Scheduler.QueueLimit < 0 {
		return fmt.Errorf("scheduler.queue-limit must not be negative")
	}
	return nil
}

// FindAndLoad walks up from startDir to find an npcscript.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Limits converts the [engine] section.
func (m *Manifest) Limits() vm.Limits {
	e := m.Engine
	return vm.Limits{
		MaxStack:        e.MaxStack,
		MaxArray:        e.MaxArray,
		MaxCallDepth:    e.MaxCallDepth,
		MaxArgs:         e.MaxArgs,
		MaxLoopJumps:    e.MaxLoopJumps,
		ExhaustionLimit: e.ExhaustionLimit,
	}
}

// SchedulerConfig converts the [scheduler] section.
func (m *Manifest) SchedulerConfig() scheduler.Config {
	s := m.Scheduler
	return scheduler.Config{
		TickMS:           s.TickMS,
		TriggerDelay:     s.TriggerDelayMS,
		QueueLimit:       s.QueueLimit,
		InputIdleTimeout: s.InputIdleTimeoutMS,
	}
}

// DeclareConstants binds [constants] in e.
func (m *Manifest) DeclareConstants(e *vm.Engine) {
	for name, v := range m.Constants {
		switch v := v.(type) {
		case int64:
			e.DeclareConstant(name, vm.Int(v))
		case string:
			e.DeclareConstant(name, vm.Str(v))
		}
	}
}

// StorePath returns the absolute database path.
func (m *Manifest) StorePath() string {
	if m.Store.Path == ":memory:" || filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
