package suite

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab/blackbox/internal/capture"
	"github.com/edulab/blackbox/internal/compare"
	"github.com/edulab/blackbox/internal/process"
	"github.com/edulab/blackbox/internal/proxy"
	"github.com/edulab/blackbox/internal/step"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *capture.Store) {
	t.Helper()
	store := capture.NewStore()
	sup := process.NewSupervisor(store, 50*time.Millisecond, 300*time.Millisecond, zerolog.Nop())
	prox := proxy.NewInterceptor(store, 0, 0, time.Second, zerolog.Nop())
	engine := compare.NewEngine(compare.Normalizer{}, 16, 0.05, zerolog.Nop())
	exec := step.NewExecutor(sup, prox, engine, store, step.ExecutorConfig{
		ReadyWindow: 200 * time.Millisecond,
		OutputWait:  200 * time.Millisecond,
	}, zerolog.Nop())
	orch := NewOrchestrator(sup, prox, store, exec, Config{
		StepTimeout: 2 * time.Second,
		SettleDelay: time.Millisecond,
	}, zerolog.Nop())
	return orch, store
}

func compareStep(id int, stage, target, value string) step.Step {
	return step.Step{
		ID: id, Question: "Q1", Stage: stage,
		Action: step.ActionCompareText, Target: target, Value: value,
	}
}

func TestRunCase_When_AllStepsPass(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t)
	tc := TestCase{
		Name: "books", Question: "Q1", Points: 10,
		Steps: []step.Step{
			compareStep(1, "1", "hello", "hello"),
			compareStep(2, "2", "world", "world"),
		},
	}

	res := orch.RunCase(context.Background(), tc)
	assert.True(t, res.AllPassed)
	assert.Equal(t, 10.0, res.PointsAwarded)
	assert.Equal(t, 10.0, res.PointsPossible)
	assert.Len(t, res.Steps, 2)
}

// All-or-nothing: one failing assertion withholds the whole allocation,
// but every step still executes and records its own outcome.
func TestRunCase_When_OneAssertionFails(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t)
	tc := TestCase{
		Name: "books", Question: "Q1", Points: 10,
		Steps: []step.Step{
			compareStep(1, "1", "hello", "hello"),
			compareStep(2, "1", "actual", "expected"),
			compareStep(3, "2", "tail", "tail"),
		},
	}

	res := orch.RunCase(context.Background(), tc)
	assert.False(t, res.AllPassed)
	assert.Zero(t, res.PointsAwarded)
	require.Len(t, res.Steps, 3)
	assert.True(t, res.Steps[0].Passed)
	assert.False(t, res.Steps[1].Passed)
	assert.True(t, res.Steps[2].Passed, "a failing step must not abort the remainder")
}

func TestRunCase_When_ProcessStepFails(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t)
	tc := TestCase{
		Name: "no-binary", Question: "Q1", Points: 5,
		ClientPath: "/nonexistent/client-binary",
		Steps: []step.Step{
			{ID: 1, Question: "Q1", Stage: "1", Action: step.ActionClientStart},
			compareStep(2, "1", "x", "x"),
		},
	}

	res := orch.RunCase(context.Background(), tc)
	assert.False(t, res.AllPassed)
	assert.Zero(t, res.PointsAwarded)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, step.CodeProcess, res.Steps[0].Code)
	assert.True(t, res.Steps[1].Passed)
}

func TestRunCase_When_NamespaceIsDirty(t *testing.T) {
	t.Parallel()

	orch, store := newTestOrchestrator(t)
	store.Append(capture.Key{Scope: capture.ScopeClients, Question: "Q1", Stage: "1"},
		"stale output from a previous run")

	tc := TestCase{
		Name: "fresh", Question: "Q1", Points: 1,
		Steps: []step.Step{{
			ID: 1, Question: "Q1", Stage: "1", Action: step.ActionCompareText,
			Target: "capture://clients/Q1/1", Value: "stale output",
		}},
	}

	// The stale capture is cleared at case start, so the assertion sees
	// nothing captured and fails.
	res := orch.RunCase(context.Background(), tc)
	assert.False(t, res.AllPassed)
	assert.Contains(t, res.Steps[0].Message, "nothing captured")
}

func TestRunSuite_When_CasesMix(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(t)
	s := Suite{
		Name: "suite",
		Cases: []TestCase{
			{Name: "pass", Question: "Q1", Points: 4,
				Steps: []step.Step{compareStep(1, "1", "a", "a")}},
			{Name: "fail", Question: "Q2", Points: 6,
				Steps: []step.Step{compareStep(1, "1", "a", "b")}},
		},
	}

	res := orch.RunSuite(context.Background(), s)
	require.Len(t, res.Cases, 2)
	awarded, possible := res.Awarded()
	assert.Equal(t, 4.0, awarded)
	assert.Equal(t, 10.0, possible)
	assert.False(t, res.Finished.Before(res.Started))
}
