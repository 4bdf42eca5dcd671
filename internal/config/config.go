// Package config loads the harness configuration: defaults first, then
// blackbox.yaml, then command-line overrides applied by the caller.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultPublicPort  = 8080
	DefaultTargetPort  = 18080
	DefaultIdleFlush   = 100 * time.Millisecond
	DefaultSettleDelay = 300 * time.Millisecond
	DefaultStepTimeout = 30 * time.Second
	DefaultOutputWait  = 2 * time.Second
	DefaultKillGrace   = 1 * time.Second
	DefaultReadyWindow = 5 * time.Second
	DefaultStopGrace   = 2 * time.Second
	DefaultSizeAbsTol  = 16
	DefaultSizePctTol  = 0.05
	DefaultCasesSheet  = "Cases"
	DefaultStepsSheet  = "Steps"
)

// Config is the resolved harness configuration.
type Config struct {
	// Executables under test. Cases may override per-row.
	ClientPath string
	ServerPath string

	// PublicPort is the proxy listener; TargetPort the real server port.
	PublicPort int
	TargetPort int

	// Timing knobs. IdleFlush bounds unterminated-line capture latency;
	// SettleDelay absorbs asynchronous completion between phases.
	IdleFlush   time.Duration
	SettleDelay time.Duration
	StepTimeout time.Duration
	OutputWait  time.Duration
	KillGrace   time.Duration
	ReadyWindow time.Duration
	StopGrace   time.Duration

	// Byte-size comparison tolerances.
	SizeAbsTol int
	SizePctTol float64

	// Normalization options.
	SortArrays bool
	CaseFold   bool

	// Suite workbook layout.
	SuitePath  string
	CasesSheet string
	StepsSheet string

	// ReportPath receives the grade workbook; empty writes back into the
	// suite workbook.
	ReportPath string

	NoColor bool
	Debug   bool
}

// yamlConfig mirrors Config with string durations, the way the file spells
// them.
type yamlConfig struct {
	ClientPath  string  `yaml:"client_path"`
	ServerPath  string  `yaml:"server_path"`
	PublicPort  int     `yaml:"public_port"`
	TargetPort  int     `yaml:"target_port"`
	IdleFlush   string  `yaml:"idle_flush"`
	SettleDelay string  `yaml:"settle_delay"`
	StepTimeout string  `yaml:"step_timeout"`
	OutputWait  string  `yaml:"output_wait"`
	KillGrace   string  `yaml:"kill_grace"`
	ReadyWindow string  `yaml:"ready_window"`
	StopGrace   string  `yaml:"stop_grace"`
	SizeAbsTol  int     `yaml:"size_abs_tol"`
	SizePctTol  float64 `yaml:"size_pct_tol"`
	SortArrays  bool    `yaml:"sort_arrays"`
	CaseFold    bool    `yaml:"case_fold"`
	SuitePath   string  `yaml:"suite_path"`
	CasesSheet  string  `yaml:"cases_sheet"`
	StepsSheet  string  `yaml:"steps_sheet"`
	ReportPath  string  `yaml:"report_path"`
	NoColor     bool    `yaml:"no_color"`
	Debug       bool    `yaml:"debug"`
}

// DefaultConfig returns the hardcoded baseline.
func DefaultConfig() *Config {
	return &Config{
		PublicPort:  DefaultPublicPort,
		TargetPort:  DefaultTargetPort,
		IdleFlush:   DefaultIdleFlush,
		SettleDelay: DefaultSettleDelay,
		StepTimeout: DefaultStepTimeout,
		OutputWait:  DefaultOutputWait,
		KillGrace:   DefaultKillGrace,
		ReadyWindow: DefaultReadyWindow,
		StopGrace:   DefaultStopGrace,
		SizeAbsTol:  DefaultSizeAbsTol,
		SizePctTol:  DefaultSizePctTol,
		CasesSheet:  DefaultCasesSheet,
		StepsSheet:  DefaultStepsSheet,
	}
}

// Load reads path (when it exists) and merges it over the defaults. A
// missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	mergeString(&cfg.ClientPath, y.ClientPath)
	mergeString(&cfg.ServerPath, y.ServerPath)
	mergeInt(&cfg.PublicPort, y.PublicPort)
	mergeInt(&cfg.TargetPort, y.TargetPort)
	if err := mergeDurations(cfg, y); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	mergeInt(&cfg.SizeAbsTol, y.SizeAbsTol)
	if y.SizePctTol > 0 {
		cfg.SizePctTol = y.SizePctTol
	}
	cfg.SortArrays = y.SortArrays
	cfg.CaseFold = y.CaseFold
	mergeString(&cfg.SuitePath, y.SuitePath)
	mergeString(&cfg.CasesSheet, y.CasesSheet)
	mergeString(&cfg.StepsSheet, y.StepsSheet)
	mergeString(&cfg.ReportPath, y.ReportPath)
	cfg.NoColor = y.NoColor
	cfg.Debug = y.Debug
	return cfg, nil
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func mergeDurations(cfg *Config, y yamlConfig) error {
	pairs := []struct {
		name string
		dst  *time.Duration
		raw  string
		// allowZero: the settle delay may legitimately be disabled; the
		// other intervals feed tickers and deadlines and must stay positive.
		allowZero bool
	}{
		{"idle_flush", &cfg.IdleFlush, y.IdleFlush, false},
		{"settle_delay", &cfg.SettleDelay, y.SettleDelay, true},
		{"step_timeout", &cfg.StepTimeout, y.StepTimeout, false},
		{"output_wait", &cfg.OutputWait, y.OutputWait, false},
		{"kill_grace", &cfg.KillGrace, y.KillGrace, false},
		{"ready_window", &cfg.ReadyWindow, y.ReadyWindow, false},
		{"stop_grace", &cfg.StopGrace, y.StopGrace, false},
	}
	for _, p := range pairs {
		if p.raw == "" {
			continue
		}
		d, err := time.ParseDuration(p.raw)
		if err != nil {
			return errors.Wrapf(err, "bad duration %q", p.raw)
		}
		if d < 0 || (d == 0 && !p.allowZero) {
			return errors.Errorf("%s: non-positive duration %q", p.name, p.raw)
		}
		*p.dst = d
	}
	return nil
}
