// Package suite drives ordered step lists to completion and turns them into
// case-level grades.
package suite

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulab/blackbox/internal/capture"
	"github.com/edulab/blackbox/internal/process"
	"github.com/edulab/blackbox/internal/proxy"
	"github.com/edulab/blackbox/internal/step"
)

// TestCase is one graded unit: an ordered step list with a point
// allocation.
type TestCase struct {
	Name     string
	Question string
	Points   float64
	// Protocol selects the proxy mode for the case: "http", "tcp", or
	// empty when the case enables the proxy itself (or not at all).
	Protocol   string
	ClientPath string
	ServerPath string
	Steps      []step.Step
}

// Suite is an ordered case list.
type Suite struct {
	Name  string
	Cases []TestCase
}

// CaseResult aggregates one case. Grading is all-or-nothing: a case earns
// its full allocation only when every step passed.
type CaseResult struct {
	Case           TestCase
	Steps          []step.Result
	AllPassed      bool
	PointsAwarded  float64
	PointsPossible float64
	Duration       time.Duration
}

// SuiteResult aggregates one run.
type SuiteResult struct {
	Suite    Suite
	Cases    []CaseResult
	Started  time.Time
	Finished time.Time
}

// Awarded sums the points earned across cases.
func (r SuiteResult) Awarded() (awarded, possible float64) {
	for _, c := range r.Cases {
		awarded += c.PointsAwarded
		possible += c.PointsPossible
	}
	return awarded, possible
}

// Config carries the orchestrator's timing knobs.
type Config struct {
	// StepTimeout is each step's own deadline.
	StepTimeout time.Duration
	// SettleDelay is the bounded pause absorbing asynchronous completion:
	// inserted on stage changes and before the first assertion following an
	// interaction. A heuristic, not a correctness guarantee.
	SettleDelay time.Duration
}

// Orchestrator runs one case at a time: Init, strictly sequential steps,
// then teardown regardless of outcome.
type Orchestrator struct {
	sup   *process.Supervisor
	prox  *proxy.Interceptor
	store *capture.Store
	exec  *step.Executor
	cfg   Config
	log   zerolog.Logger
}

// NewOrchestrator wires an orchestrator to its collaborators.
func NewOrchestrator(sup *process.Supervisor, prox *proxy.Interceptor, store *capture.Store,
	exec *step.Executor, cfg Config, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{sup: sup, prox: prox, store: store, exec: exec, cfg: cfg, log: log}
}

// RunSuite executes every case in order.
func (o *Orchestrator) RunSuite(ctx context.Context, s Suite) SuiteResult {
	res := SuiteResult{Suite: s, Started: time.Now()}
	for _, tc := range s.Cases {
		res.Cases = append(res.Cases, o.RunCase(ctx, tc))
	}
	res.Finished = time.Now()
	return res
}

// RunCase runs one case's step list to completion. A failing step never
// aborts the remaining steps; cleanup always runs.
func (o *Orchestrator) RunCase(ctx context.Context, tc TestCase) CaseResult {
	start := time.Now()
	o.log.Info().Str("case", tc.Name).Str("question", tc.Question).Msg("case starting")

	// Init: fresh namespace, fresh handles.
	o.store.ClearQuestion(tc.Question)
	o.sup.Init(tc.ClientPath, tc.ServerPath)
	o.prox.Stop()
	if mode, ok := protocolMode(tc.Protocol); ok {
		if err := o.prox.Start(mode); err != nil {
			o.log.Error().Err(err).Str("case", tc.Name).Msg("proxy setup failed")
			return o.setupFailure(tc, err.Error(), time.Since(start))
		}
	}

	// Running: strictly sequential, with settle delays between phases.
	results := make([]step.Result, 0, len(tc.Steps))
	prevStage := ""
	sawInteraction := false
	for i, s := range tc.Steps {
		if i > 0 && s.Stage != prevStage {
			o.settle()
		} else if sawInteraction && s.Action.IsAssertion() {
			o.settle()
		}
		prevStage = s.Stage
		if s.Action.IsAssertion() {
			sawInteraction = false
		} else if s.Action.IsInteraction() {
			sawInteraction = true
		}

		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		res := o.exec.Execute(stepCtx, s)
		cancel()
		results = append(results, res)
	}

	// Finalizing: everything comes down regardless of outcome.
	o.prox.Stop()
	if err := o.sup.StopAll(); err != nil {
		o.log.Warn().Err(err).Str("case", tc.Name).Msg("process teardown failed")
	}

	allPassed := true
	for _, r := range results {
		if !r.Passed {
			allPassed = false
			break
		}
	}
	awarded := 0.0
	if allPassed {
		awarded = tc.Points
	}

	o.log.Info().Str("case", tc.Name).Bool("passed", allPassed).
		Float64("awarded", awarded).Dur("took", time.Since(start)).Msg("case finished")

	return CaseResult{
		Case:           tc,
		Steps:          results,
		AllPassed:      allPassed,
		PointsAwarded:  awarded,
		PointsPossible: tc.Points,
		Duration:       time.Since(start),
	}
}

func (o *Orchestrator) settle() {
	if o.cfg.SettleDelay > 0 {
		time.Sleep(o.cfg.SettleDelay)
	}
}

// setupFailure marks every step failed when the case could not even be set
// up (port in use and the like).
func (o *Orchestrator) setupFailure(tc TestCase, msg string, took time.Duration) CaseResult {
	results := make([]step.Result, 0, len(tc.Steps))
	for _, s := range tc.Steps {
		results = append(results, step.Result{
			Step: s, Passed: false, Code: step.CodeNetwork, DiffIndex: -1,
			Message: "case setup failed: " + msg,
		})
	}
	return CaseResult{
		Case:           tc,
		Steps:          results,
		AllPassed:      false,
		PointsAwarded:  0,
		PointsPossible: tc.Points,
		Duration:       took,
	}
}

func protocolMode(protocol string) (proxy.Mode, bool) {
	switch protocol {
	case "http", "HTTP":
		return proxy.ModeHTTP, true
	case "tcp", "TCP":
		return proxy.ModeTCP, true
	default:
		return "", false
	}
}
