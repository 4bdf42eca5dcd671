// blackbox grades client/server submissions by running them as real
// processes, intercepting the traffic between them, and fuzzily matching
// captured evidence against the expectations in a suite workbook.
//
// Usage:
//
//	blackbox -suite suite.xlsx -client ./student-client -server ./student-server
//
// Configuration defaults come from blackbox.yaml when present; flags win.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulab/blackbox/internal/capture"
	"github.com/edulab/blackbox/internal/compare"
	"github.com/edulab/blackbox/internal/config"
	"github.com/edulab/blackbox/internal/loader"
	"github.com/edulab/blackbox/internal/process"
	"github.com/edulab/blackbox/internal/proxy"
	"github.com/edulab/blackbox/internal/report"
	"github.com/edulab/blackbox/internal/step"
	"github.com/edulab/blackbox/internal/suite"
	"github.com/edulab/blackbox/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("blackbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFlag := fs.String("config", "blackbox.yaml", "Configuration file path")
	suiteFlag := fs.String("suite", "", "Suite workbook path (overrides config)")
	clientFlag := fs.String("client", "", "Client executable path (overrides config)")
	serverFlag := fs.String("server", "", "Server executable path (overrides config)")
	reportFlag := fs.String("report", "", "Report workbook path (defaults to the suite workbook)")
	noColorFlag := fs.Bool("no-color", false, "Disable styled console output")
	debugFlag := fs.Bool("debug", false, "Enable debug logging")
	versionFlag := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "blackbox %s (%s, built %s)\n",
			version.Version, version.CommitHash, version.BuildDate)
		return 0
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(stderr, "blackbox: %v\n", err)
		return 2
	}
	if *suiteFlag != "" {
		cfg.SuitePath = *suiteFlag
	}
	if *clientFlag != "" {
		cfg.ClientPath = *clientFlag
	}
	if *serverFlag != "" {
		cfg.ServerPath = *serverFlag
	}
	if *reportFlag != "" {
		cfg.ReportPath = *reportFlag
	}
	if *noColorFlag {
		cfg.NoColor = true
	}
	if *debugFlag {
		cfg.Debug = true
	}
	if cfg.SuitePath == "" {
		fmt.Fprintln(stderr, "blackbox: no suite workbook given (use -suite or blackbox.yaml)")
		return 2
	}

	log := newLogger(stderr, cfg.Debug)

	// A suite-level load failure is the only class that aborts the run
	// before any case executes.
	def, err := loader.Load(cfg)
	if err != nil {
		log.Error().Err(err).Msg("suite load failed")
		return 2
	}
	log.Info().Int("cases", len(def.Cases)).Str("suite", cfg.SuitePath).Msg("suite loaded")

	store := capture.NewStore()
	sup := process.NewSupervisor(store, cfg.IdleFlush, cfg.KillGrace, log)
	prox := proxy.NewInterceptor(store, cfg.PublicPort, cfg.TargetPort, cfg.StopGrace, log)
	engine := compare.NewEngine(
		compare.Normalizer{CaseFold: cfg.CaseFold, SortArrays: cfg.SortArrays},
		cfg.SizeAbsTol, cfg.SizePctTol, log)
	exec := step.NewExecutor(sup, prox, engine, store, step.ExecutorConfig{
		PublicPort:  cfg.PublicPort,
		TargetPort:  cfg.TargetPort,
		ReadyWindow: cfg.ReadyWindow,
		OutputWait:  cfg.OutputWait,
	}, log)
	orch := suite.NewOrchestrator(sup, prox, store, exec, suite.Config{
		StepTimeout: cfg.StepTimeout,
		SettleDelay: cfg.SettleDelay,
	}, log)

	res := orch.RunSuite(context.Background(), def)

	writer := report.NewWriter(stdout, cfg.NoColor)
	writer.WriteConsole(res)
	reportPath := cfg.ReportPath
	if reportPath == "" {
		reportPath = cfg.SuitePath
	}
	if err := writer.WriteWorkbook(reportPath, res); err != nil {
		log.Error().Err(err).Msg("writing report workbook failed")
		return 1
	}
	log.Info().Str("path", reportPath).Msg("report written")

	for _, cr := range res.Cases {
		if !cr.AllPassed {
			return 1
		}
	}
	return 0
}

func newLogger(out io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
