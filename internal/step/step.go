// Package step defines one instruction of a test case's execution plan and
// the executor that dispatches it.
package step

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Action is the closed set of things a step can do. Unknown action strings
// are rejected at load time; the executor dispatch is exhaustive.
type Action int

const (
	ActionServerStart Action = iota
	ActionClientStart
	ActionServerClose
	ActionClientClose
	ActionKillAll
	ActionClientInput
	ActionWait
	ActionHTTPRequest
	ActionEnableProxy
	ActionTCPRelay
	ActionCompareText
	ActionCompareJSON
	ActionCompareCSV
	ActionCompareFile
)

var actionNames = map[Action]string{
	ActionServerStart: "ServerStart",
	ActionClientStart: "ClientStart",
	ActionServerClose: "ServerClose",
	ActionClientClose: "ClientClose",
	ActionKillAll:     "KillAll",
	ActionClientInput: "ClientInput",
	ActionWait:        "Wait",
	ActionHTTPRequest: "HttpRequest",
	ActionEnableProxy: "EnableProxy",
	ActionTCPRelay:    "TcpRelay",
	ActionCompareText: "CompareText",
	ActionCompareJSON: "CompareJson",
	ActionCompareCSV:  "CompareCsv",
	ActionCompareFile: "CompareFile",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction maps a suite-sheet action tag onto the enumeration,
// case-insensitively.
func ParseAction(tag string) (Action, error) {
	needle := strings.ToLower(strings.TrimSpace(tag))
	for a, name := range actionNames {
		if strings.ToLower(name) == needle {
			return a, nil
		}
	}
	return 0, errors.Errorf("unknown action %q", tag)
}

// IsAssertion reports whether the action carries a pass/fail expectation.
// Only assertion steps participate in grading.
func (a Action) IsAssertion() bool {
	switch a {
	case ActionCompareText, ActionCompareJSON, ActionCompareCSV, ActionCompareFile:
		return true
	default:
		return false
	}
}

// IsInteraction reports whether the action drives the processes under test.
func (a Action) IsInteraction() bool {
	switch a {
	case ActionClientInput, ActionWait, ActionHTTPRequest:
		return true
	default:
		return false
	}
}

// Code classifies a step failure for the report.
type Code string

const (
	CodeOK         Code = ""
	CodeConfig     Code = "configuration"
	CodeProcess    Code = "process"
	CodeNetwork    Code = "network"
	CodeComparison Code = "comparison"
	CodeTimeout    Code = "timeout"
)

// Step is one immutable instruction. The suite loader produces it; the
// executor consumes it read-only.
type Step struct {
	ID       int
	Question string
	Stage    string
	Action   Action

	// Target is the actual-value reference for assertion steps: a capture
	// key, a file path, or an inline literal.
	Target string
	// Value carries the action payload: the expected value for assertions,
	// the input line for ClientInput, the duration for Wait, the request
	// path for HttpRequest.
	Value string

	// Optional HTTP expectations, checked against the intercepted exchange
	// metadata for (Question, Stage).
	Method     string
	StatusCode string
	ByteSize   int

	// DataType is a free-form hint from the suite sheet (e.g. "json").
	DataType string
	Meta     map[string]string
}

// Result records the outcome of one executed step. Immutable after
// creation.
type Result struct {
	Step     Step
	Passed   bool
	Message  string
	Code     Code
	Duration time.Duration

	// Diagnostics for failed comparisons.
	DiffIndex       int
	ExpectedExcerpt string
	ActualExcerpt   string
}
