package step

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/edulab/blackbox/internal/capture"
	"github.com/edulab/blackbox/internal/compare"
	"github.com/edulab/blackbox/internal/process"
	"github.com/edulab/blackbox/internal/proxy"
)

// ExecutorConfig carries the knobs the executor needs beyond its
// collaborators.
type ExecutorConfig struct {
	// PublicPort is where HttpRequest steps are sent (the proxy listener).
	PublicPort int
	// TargetPort is the real server port, probed for readiness.
	TargetPort int
	// ReadyWindow bounds the post-ServerStart readiness probe.
	ReadyWindow time.Duration
	// OutputWait bounds WaitForOutput after a ClientInput step.
	OutputWait time.Duration
}

// Executor runs exactly one step at a time, routed by its action tag. Every
// failure mode is converted into a Result at this boundary; nothing escapes
// to the orchestrator as an error.
type Executor struct {
	sup    *process.Supervisor
	prox   *proxy.Interceptor
	engine *compare.Engine
	store  *capture.Store
	cfg    ExecutorConfig
	log    zerolog.Logger
	client *http.Client
}

// NewExecutor wires an executor to its collaborators.
func NewExecutor(sup *process.Supervisor, prox *proxy.Interceptor, engine *compare.Engine,
	store *capture.Store, cfg ExecutorConfig, log zerolog.Logger) *Executor {
	return &Executor{
		sup:    sup,
		prox:   prox,
		engine: engine,
		store:  store,
		cfg:    cfg,
		log:    log,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Execute runs one step under the caller's deadline. Deadline expiry yields
// a distinct timeout outcome and abandons the in-flight work without
// killing the owning process.
func (e *Executor) Execute(ctx context.Context, s Step) Result {
	start := time.Now()
	e.sup.SetContext(s.Question, s.Stage)
	e.prox.SetContext(s.Question, s.Stage)

	resCh := make(chan Result, 1)
	go func() {
		resCh <- e.dispatch(ctx, s)
	}()

	var res Result
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res = Result{Step: s, Passed: false, Code: CodeTimeout, DiffIndex: -1,
			Message: fmt.Sprintf("step %s timed out", s.Action)}
	}
	res.Step = s
	res.Duration = time.Since(start)

	e.log.Info().Int("id", s.ID).Str("action", s.Action.String()).
		Str("stage", s.Stage).Bool("passed", res.Passed).
		Dur("took", res.Duration).Msg("step executed")
	return res
}

func (e *Executor) dispatch(ctx context.Context, s Step) Result {
	switch s.Action {
	case ActionServerStart:
		return e.startServer(ctx, s)
	case ActionClientStart:
		return e.lifecycle(s, e.sup.StartClient())
	case ActionServerClose:
		return e.lifecycle(s, e.sup.StopServer())
	case ActionClientClose:
		return e.lifecycle(s, e.sup.StopClient())
	case ActionKillAll:
		e.prox.Stop()
		return e.lifecycle(s, e.sup.StopAll())
	case ActionClientInput:
		return e.clientInput(s)
	case ActionWait:
		return e.fixedWait(ctx, s)
	case ActionHTTPRequest:
		return e.httpRequest(ctx, s)
	case ActionEnableProxy:
		return e.enableProxy(s, proxy.ModeHTTP)
	case ActionTCPRelay:
		return e.enableProxy(s, proxy.ModeTCP)
	case ActionCompareText, ActionCompareJSON, ActionCompareCSV, ActionCompareFile:
		return e.assert(s)
	default:
		// Unreachable for steps produced by the loader.
		return Result{Passed: false, Code: CodeConfig, DiffIndex: -1,
			Message: fmt.Sprintf("unsupported action %s", s.Action)}
	}
}

func (e *Executor) lifecycle(s Step, err error) Result {
	if err != nil {
		return Result{Passed: false, Code: CodeProcess, DiffIndex: -1,
			Message: fmt.Sprintf("%s failed: %v", s.Action, err)}
	}
	return Result{Passed: true, DiffIndex: -1, Message: s.Action.String() + " ok"}
}

// startServer spawns the server and polls a readiness probe for a bounded
// interval. When the probe never succeeds, a still-running process counts
// as ready; the tested protocol offers nothing better.
func (e *Executor) startServer(ctx context.Context, s Step) Result {
	if err := e.sup.StartServer(); err != nil {
		return Result{Passed: false, Code: CodeProcess, DiffIndex: -1,
			Message: fmt.Sprintf("server start failed: %v", err)}
	}
	deadline := time.Now().Add(e.cfg.ReadyWindow)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return Result{Passed: false, Code: CodeTimeout, DiffIndex: -1,
				Message: "server readiness probe cancelled"}
		}
		if e.probeReady() {
			return Result{Passed: true, DiffIndex: -1, Message: "server started and accepting connections"}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if e.sup.Running(process.RoleServer) {
		return Result{Passed: true, DiffIndex: -1, Message: "server started (probe never succeeded, process alive)"}
	}
	return Result{Passed: false, Code: CodeProcess, DiffIndex: -1,
		Message: "server exited before becoming ready"}
}

// probeReady tries a health endpoint first, then a raw port connect.
func (e *Executor) probeReady() bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", e.cfg.TargetPort)
	if resp, err := e.client.Get(url); err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return true
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", e.cfg.TargetPort), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// clientInput writes one line to the client's stdin and waits for the
// process to react. The tri-state wait outcome decides pass/fail.
func (e *Executor) clientInput(s Step) Result {
	if err := e.sup.SendInput(process.RoleClient, s.Value); err != nil {
		return Result{Passed: false, Code: CodeProcess, DiffIndex: -1,
			Message: fmt.Sprintf("sending input failed: %v", err)}
	}
	outcome, err := e.sup.WaitForOutput(process.RoleClient, e.cfg.OutputWait)
	if err != nil {
		return Result{Passed: false, Code: CodeProcess, DiffIndex: -1,
			Message: fmt.Sprintf("waiting for client output: %v", err)}
	}
	switch outcome {
	case process.OutputProduced:
		return Result{Passed: true, DiffIndex: -1, Message: "input sent, client produced output"}
	case process.ProcessExited:
		return Result{Passed: true, DiffIndex: -1, Message: "input sent, client exited"}
	default:
		return Result{Passed: false, Code: CodeTimeout, DiffIndex: -1,
			Message: "client produced no output after input"}
	}
}

func (e *Executor) fixedWait(ctx context.Context, s Step) Result {
	d, err := parseWait(s.Value)
	if err != nil {
		return Result{Passed: false, Code: CodeConfig, DiffIndex: -1,
			Message: fmt.Sprintf("bad wait value %q: %v", s.Value, err)}
	}
	select {
	case <-time.After(d):
		return Result{Passed: true, DiffIndex: -1, Message: "waited " + d.String()}
	case <-ctx.Done():
		return Result{Passed: false, Code: CodeTimeout, DiffIndex: -1, Message: "wait cancelled"}
	}
}

// parseWait accepts a bare millisecond count or a Go duration string.
func parseWait(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// httpRequest issues a direct call through the proxy's public port so the
// exchange gets intercepted and recorded like client-originated traffic.
func (e *Executor) httpRequest(ctx context.Context, s Step) Result {
	method := strings.ToUpper(strings.TrimSpace(s.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := s.Value
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var body io.Reader
	if payload := s.Meta["body"]; payload != "" {
		body = bytes.NewReader([]byte(payload))
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", e.cfg.PublicPort, path)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{Passed: false, Code: CodeConfig, DiffIndex: -1,
			Message: fmt.Sprintf("building request: %v", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Result{Passed: false, Code: CodeNetwork, DiffIndex: -1,
			Message: fmt.Sprintf("%s %s failed: %v", method, path, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return Result{Passed: true, DiffIndex: -1,
		Message: fmt.Sprintf("%s %s -> %d", method, path, resp.StatusCode)}
}

func (e *Executor) enableProxy(s Step, mode proxy.Mode) Result {
	if err := e.prox.Start(mode); err != nil {
		return Result{Passed: false, Code: CodeNetwork, DiffIndex: -1,
			Message: fmt.Sprintf("enabling %s proxy: %v", mode, err)}
	}
	return Result{Passed: true, DiffIndex: -1, Message: fmt.Sprintf("%s proxy enabled", mode)}
}

// assert resolves the actual-value reference once and runs the comparison
// appropriate for the step's action, then any HTTP metadata expectations
// riding on the same step.
func (e *Executor) assert(s Step) Result {
	expected := s.Value

	src, err := compare.ResolveRef(s.Target)
	if err != nil {
		return Result{Passed: false, Code: CodeConfig, DiffIndex: -1,
			Message: fmt.Sprintf("bad actual reference: %v", err)}
	}
	actual, found, err := src.Fetch(e.store)
	if err != nil {
		return Result{Passed: false, Code: CodeComparison, DiffIndex: -1,
			Message: err.Error()}
	}
	if !found && strings.TrimSpace(expected) != "" {
		return Result{Passed: false, Code: CodeComparison, DiffIndex: -1,
			Message: fmt.Sprintf("nothing captured for %s output at stage %s",
				describeScope(src.Key.Scope), s.Stage)}
	}

	allowContainment := src.Kind == compare.SourceCapture && capture.IsConsoleScope(src.Key.Scope)

	var v compare.Verdict
	switch s.Action {
	case ActionCompareJSON:
		v = e.engine.JSON(expected, actual)
	case ActionCompareCSV:
		v = e.engine.CSV(expected, actual)
	case ActionCompareFile:
		v = e.engine.Text(expected, actual, false)
	default:
		v = e.engine.Text(expected, actual, allowContainment)
	}
	if !v.Passed {
		return Result{Passed: false, Code: CodeComparison, Message: v.Message,
			DiffIndex: v.DiffIndex, ExpectedExcerpt: v.ExpectedExcerpt, ActualExcerpt: v.ActualExcerpt}
	}

	if res, failed := e.assertMetadata(s); failed {
		return res
	}
	return Result{Passed: true, DiffIndex: -1, Message: "matched (" + v.Level.String() + ")"}
}

// assertMetadata checks the step's HTTP expectations against the recorded
// exchange metadata, when any are set.
func (e *Executor) assertMetadata(s Step) (Result, bool) {
	if s.Method == "" && s.StatusCode == "" && s.ByteSize == 0 {
		return Result{}, false
	}
	meta, found := e.store.TryGetMetadata(s.Question, s.Stage)
	if !found {
		return Result{Passed: false, Code: CodeComparison, DiffIndex: -1,
			Message: fmt.Sprintf("no HTTP exchange observed at stage %s", s.Stage)}, true
	}
	if v := e.engine.Method(s.Method, meta.Method); !v.Passed {
		return Result{Passed: false, Code: CodeComparison, DiffIndex: -1, Message: v.Message}, true
	}
	if v := e.engine.Status(s.StatusCode, meta.StatusCode); !v.Passed {
		return Result{Passed: false, Code: CodeComparison, DiffIndex: -1, Message: v.Message}, true
	}
	if s.ByteSize > 0 {
		if v := e.engine.ByteSize(s.ByteSize, meta.ByteSize); !v.Passed {
			return Result{Passed: false, Code: CodeComparison, DiffIndex: -1, Message: v.Message}, true
		}
	}
	return Result{}, false
}

// describeScope names a capture location in user-facing words, keeping the
// key addressing scheme out of result messages.
func describeScope(s capture.Scope) string {
	switch s {
	case capture.ScopeClients:
		return "client console"
	case capture.ScopeServers:
		return "server console"
	case capture.ScopeServerRequests:
		return "intercepted request"
	case capture.ScopeServerResponses:
		return "intercepted response"
	default:
		return "requested"
	}
}
