// Package process owns the client and server processes under test: spawning,
// output capture, stdin injection, and reliable teardown. Exactly one client
// and one server handle exist per test case.
package process

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/edulab/blackbox/internal/capture"
)

// Role selects one of the two supervised processes.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// WaitOutcome is the tri-state result of WaitForOutput.
type WaitOutcome int

const (
	// OutputProduced means the local buffer grew past its baseline.
	OutputProduced WaitOutcome = iota
	// ProcessExited means the process finished without producing more output.
	ProcessExited
	// WaitTimedOut means nothing happened before the deadline.
	WaitTimedOut
)

func (o WaitOutcome) String() string {
	switch o {
	case OutputProduced:
		return "output-produced"
	case ProcessExited:
		return "process-exited"
	default:
		return "wait-timed-out"
	}
}

const (
	readBufferSize = 4096
	pollInterval   = 25 * time.Millisecond
)

// Supervisor spawns and monitors the two processes under test and publishes
// their interleaved stdout/stderr into the capture store under the
// orchestrator's current (question, stage).
type Supervisor struct {
	store *capture.Store
	log   zerolog.Logger

	// IdleFlush bounds how long an unterminated partial line may sit in the
	// pump before being flushed anyway. This is how interactive prompts
	// without trailing newlines get captured.
	IdleFlush time.Duration
	// KillGrace is the cooperative-termination window before escalating to
	// a forceful kill.
	KillGrace time.Duration

	mu         sync.Mutex
	clientPath string
	serverPath string
	client     *proc
	server     *proc
	question   string
	stage      string
}

// NewSupervisor returns a supervisor publishing into store.
func NewSupervisor(store *capture.Store, idleFlush, killGrace time.Duration, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:     store,
		log:       log,
		IdleFlush: idleFlush,
		KillGrace: killGrace,
	}
}

// Init resets all owned handles and buffers for a new test case. Any
// process still running from a previous case is killed first.
func (s *Supervisor) Init(clientPath, serverPath string) {
	s.stopRole(RoleClient)
	s.stopRole(RoleServer)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientPath = clientPath
	s.serverPath = serverPath
	s.client = nil
	s.server = nil
}

// SetContext sets the (question, stage) under which pump flushes are keyed.
func (s *Supervisor) SetContext(question, stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.question = question
	s.stage = stage
}

func (s *Supervisor) context() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question, s.stage
}

// StartServer spawns the server executable.
func (s *Supervisor) StartServer() error { return s.start(RoleServer) }

// StartClient spawns the client executable.
func (s *Supervisor) StartClient() error { return s.start(RoleClient) }

func (s *Supervisor) start(role Role) error {
	s.mu.Lock()
	path := s.clientPath
	scope := capture.ScopeClients
	if role == RoleServer {
		path = s.serverPath
		scope = capture.ScopeServers
	}
	s.mu.Unlock()

	if path == "" {
		return errors.Errorf("no %s executable configured", role)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "%s executable not found at %s", role, path)
	}

	p := &proc{role: role, scope: scope, done: make(chan struct{})}
	cmd := exec.Command(path)
	cmd.Dir = guessWorkDir(path)
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrapf(err, "creating stdin pipe for %s", role)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrapf(err, "creating stdout pipe for %s", role)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrapf(err, "creating stderr pipe for %s", role)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s process %s", role, path)
	}
	p.cmd = cmd
	p.stdin = stdin

	go s.pump(p, stdout)
	go s.pump(p, stderr)
	go func() {
		_ = cmd.Wait()
		p.exited.Store(true)
		close(p.done)
	}()

	s.mu.Lock()
	if role == RoleServer {
		s.server = p
	} else {
		s.client = p
	}
	s.mu.Unlock()

	s.log.Info().Str("role", string(role)).Str("path", path).Int("pid", cmd.Process.Pid).
		Msg("process started")
	return nil
}

// guessWorkDir runs the executable from its own directory so relative
// config and data files resolve the way a student ran it.
func guessWorkDir(path string) string {
	if idx := strings.LastIndexByte(path, os.PathSeparator); idx > 0 {
		return path[:idx]
	}
	return ""
}

// pump drains one redirected stream. Accumulated bytes are flushed into the
// local buffer and the capture store on every line terminator, or after the
// idle interval when a partial line has been sitting unterminated.
func (s *Supervisor) pump(p *proc, r io.Reader) {
	chunks := make(chan []byte, 8)
	go func() {
		defer close(chunks)
		buf := make([]byte, readBufferSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				c := make([]byte, n)
				copy(c, buf[:n])
				chunks <- c
			}
			if err != nil {
				return
			}
		}
	}()

	var pending bytes.Buffer
	ticker := time.NewTicker(s.IdleFlush)
	defer ticker.Stop()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		text := pending.String()
		pending.Reset()
		p.appendOutput(text)
		question, stage := s.context()
		s.store.Append(capture.Key{Scope: p.scope, Question: question, Stage: stage}, text)
	}

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				flush()
				return
			}
			pending.Write(c)
			if bytes.IndexByte(c, '\n') >= 0 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// SendInput writes one line to the process's standard input. A process that
// has already exited makes this a logged no-op rather than an error.
func (s *Supervisor) SendInput(role Role, text string) error {
	p := s.get(role)
	if p == nil {
		return errors.Errorf("%s process was never started", role)
	}
	if p.exited.Load() {
		s.log.Warn().Str("role", string(role)).Str("input", text).
			Msg("input dropped: process already exited")
		return nil
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(p.stdin, text); err != nil {
		return errors.Wrapf(err, "writing input to %s", role)
	}
	return nil
}

// WaitForOutput polls the local output buffer against a baseline until it
// grows, the process exits, or the timeout elapses.
func (s *Supervisor) WaitForOutput(role Role, timeout time.Duration) (WaitOutcome, error) {
	p := s.get(role)
	if p == nil {
		return ProcessExited, errors.Errorf("%s process was never started", role)
	}
	baseline := p.outputLen()
	deadline := time.Now().Add(timeout)
	for {
		if p.outputLen() > baseline {
			return OutputProduced, nil
		}
		if p.exited.Load() {
			// One more look: the pumps may have flushed between checks.
			if p.outputLen() > baseline {
				return OutputProduced, nil
			}
			return ProcessExited, nil
		}
		if time.Now().After(deadline) {
			return WaitTimedOut, nil
		}
		time.Sleep(pollInterval)
	}
}

// Output returns the accumulated local buffer for diagnostics.
func (s *Supervisor) Output(role Role) string {
	p := s.get(role)
	if p == nil {
		return ""
	}
	return p.output()
}

// Running reports whether the process has been started and not yet exited.
func (s *Supervisor) Running(role Role) bool {
	p := s.get(role)
	return p != nil && !p.exited.Load()
}

// StopClient tears down the client process.
func (s *Supervisor) StopClient() error { return s.stopRole(RoleClient) }

// StopServer tears down the server process.
func (s *Supervisor) StopServer() error { return s.stopRole(RoleServer) }

// StopAll tears down both processes. The first error wins but both stops
// always run.
func (s *Supervisor) StopAll() error {
	errClient := s.stopRole(RoleClient)
	errServer := s.stopRole(RoleServer)
	if errClient != nil {
		return errClient
	}
	return errServer
}

// stopRole attempts a cooperative whole-tree kill, escalates to SIGKILL
// after the grace period, and always disposes the handle.
func (s *Supervisor) stopRole(role Role) error {
	s.mu.Lock()
	var p *proc
	if role == RoleServer {
		p = s.server
		s.server = nil
	} else {
		p = s.client
		s.client = nil
	}
	s.mu.Unlock()

	if p == nil || p.cmd == nil {
		return nil
	}
	if p.exited.Load() {
		_ = p.stdin.Close()
		return nil
	}

	_ = p.stdin.Close()
	if err := killProcessGroup(p.cmd, interruptSignal()); err != nil {
		s.log.Debug().Err(err).Str("role", string(role)).Msg("cooperative kill failed")
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(s.KillGrace):
	}

	s.log.Warn().Str("role", string(role)).Msg("escalating to forceful kill")
	if err := killProcessGroupForcefully(p.cmd); err != nil {
		return errors.Wrapf(err, "force-killing %s process", role)
	}
	select {
	case <-p.done:
	case <-time.After(s.KillGrace):
		return errors.Errorf("%s process did not die after forceful kill", role)
	}
	return nil
}

func (s *Supervisor) get(role Role) *proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == RoleServer {
		return s.server
	}
	return s.client
}

// proc is one supervised process handle.
type proc struct {
	role   Role
	scope  capture.Scope
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}
	exited atomic.Bool

	mu  sync.Mutex
	buf strings.Builder
}

func (p *proc) appendOutput(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(text)
}

func (p *proc) outputLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

func (p *proc) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}
