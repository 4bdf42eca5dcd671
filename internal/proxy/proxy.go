// Package proxy relays traffic between the processes under test while
// recording what passed through. The tested client talks to a well-known
// public port; the proxy forwards to the real server port and publishes the
// intercepted payloads into the capture store without altering the bytes it
// returns.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/edulab/blackbox/internal/capture"
)

// Mode selects the relay protocol for one test case. The two modes are
// mutually exclusive.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeTCP  Mode = "tcp"
)

// BinaryPlaceholder stands in for a response body that is not decodable
// text.
const BinaryPlaceholder = "[binary data]"

// Interceptor is the forwarding listener. Start and Stop are idempotent.
type Interceptor struct {
	store *capture.Store
	log   zerolog.Logger

	// PublicPort is the port the processes under test connect to.
	PublicPort int
	// TargetPort is the real server port traffic is forwarded to.
	TargetPort int
	// StopGrace bounds how long Stop waits for outstanding handlers.
	StopGrace time.Duration

	client *http.Client

	mu       sync.Mutex
	started  bool
	mode     Mode
	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	question string
	stage    string
}

// NewInterceptor returns a stopped interceptor publishing into store.
func NewInterceptor(store *capture.Store, publicPort, targetPort int, stopGrace time.Duration, log zerolog.Logger) *Interceptor {
	return &Interceptor{
		store:      store,
		log:        log,
		PublicPort: publicPort,
		TargetPort: targetPort,
		StopGrace:  stopGrace,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// SetContext sets the (question, stage) under which intercepted payloads
// are keyed.
func (i *Interceptor) SetContext(question, stage string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.question = question
	i.stage = stage
}

func (i *Interceptor) context() (string, string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.question, i.stage
}

// Start binds the public port in the given mode. Calling Start on a running
// interceptor is a no-op. A bind failure is the caller's setup error.
func (i *Interceptor) Start(mode Mode) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", i.PublicPort))
	if err != nil {
		return errors.Wrapf(err, "binding proxy port %d", i.PublicPort)
	}
	i.listener = ln
	i.mode = mode
	i.started = true

	switch mode {
	case ModeTCP:
		ctx, cancel := context.WithCancel(context.Background())
		i.cancel = cancel
		i.wg.Add(1)
		go i.acceptLoop(ctx, ln)
	default:
		i.server = &http.Server{Handler: i}
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			if serveErr := i.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
				i.log.Debug().Err(serveErr).Msg("proxy server stopped")
			}
		}()
	}

	i.log.Info().Str("mode", string(mode)).Int("public", i.PublicPort).Int("target", i.TargetPort).
		Msg("proxy started")
	return nil
}

// Stop cancels the listener and awaits outstanding handlers up to the stop
// grace period. Calling Stop on a stopped interceptor is a no-op.
func (i *Interceptor) Stop() {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return
	}
	i.started = false
	server := i.server
	cancel := i.cancel
	ln := i.listener
	i.server = nil
	i.cancel = nil
	i.listener = nil
	i.mu.Unlock()

	if server != nil {
		ctx, cancelShutdown := context.WithTimeout(context.Background(), i.StopGrace)
		defer cancelShutdown()
		_ = server.Shutdown(ctx)
	}
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(i.StopGrace):
		i.log.Warn().Msg("proxy handlers still running after stop grace")
	}
}

// ServeHTTP rebuilds each request against the real server port, relays the
// response back unmodified, and records both bodies plus the exchange
// metadata.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.wg.Add(1)
	defer i.wg.Done()

	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "proxy: reading request body: "+err.Error(), http.StatusBadGateway)
		return
	}

	target := fmt.Sprintf("http://127.0.0.1:%d%s", i.TargetPort, r.URL.RequestURI())
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(reqBody))
	if err != nil {
		http.Error(w, "proxy: building upstream request: "+err.Error(), http.StatusBadGateway)
		return
	}
	copyHeaders(outbound.Header, r.Header)

	resp, err := i.client.Do(outbound)
	if err != nil {
		// Synthetic upstream error rather than crashing the proxy.
		i.log.Warn().Err(err).Str("method", r.Method).Str("uri", r.URL.RequestURI()).
			Msg("upstream request failed")
		http.Error(w, "proxy: upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		http.Error(w, "proxy: reading upstream response: "+err.Error(), http.StatusBadGateway)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)

	i.record(r.Method, resp.StatusCode, reqBody, respBody)
}

// record publishes the exchange. Request and response bodies go under their
// own scopes, never under the console-output scope for the same key.
func (i *Interceptor) record(method string, status int, reqBody, respBody []byte) {
	question, stage := i.context()

	i.store.Replace(capture.Key{Scope: capture.ScopeServerRequests, Question: question, Stage: stage},
		string(reqBody))

	respText := string(respBody)
	if !utf8.ValidString(respText) {
		respText = BinaryPlaceholder
	}
	i.store.Replace(capture.Key{Scope: capture.ScopeServerResponses, Question: question, Stage: stage},
		respText)

	i.store.SetMetadata(question, stage, capture.Metadata{
		Method:     method,
		StatusCode: status,
		ByteSize:   canonicalSize(respBody),
	})

	i.log.Debug().Str("method", method).Int("status", status).
		Str("question", question).Str("stage", stage).Msg("exchange recorded")
}

// canonicalSize measures a payload after compacting JSON whitespace, so the
// real server's pretty-printing does not leak into a size check.
func canonicalSize(body []byte) int {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return len(body)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return len(body)
	}
	return compact.Len()
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// acceptLoop is the raw TCP relay: every accepted connection gets its own
// bidirectional byte copy to the target port.
func (i *Interceptor) acceptLoop(ctx context.Context, ln net.Listener) {
	defer i.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				i.log.Debug().Err(err).Msg("proxy accept failed")
			}
			return
		}
		i.wg.Add(1)
		go i.relay(ctx, conn)
	}
}

// relay copies bytes both ways until either side closes.
func (i *Interceptor) relay(ctx context.Context, downstream net.Conn) {
	defer i.wg.Done()
	defer downstream.Close()

	upstream, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(i.TargetPort)))
	if err != nil {
		i.log.Warn().Err(err).Int("target", i.TargetPort).Msg("relay dial failed")
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	copyDir := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		if tcp, ok := dst.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		done <- struct{}{}
	}
	go copyDir(upstream, downstream)
	go copyDir(downstream, upstream)

	select {
	case <-done:
	case <-ctx.Done():
	}
}
