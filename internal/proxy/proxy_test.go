package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edulab/blackbox/internal/capture"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startUpstreamHTTP(t *testing.T, port int, handler http.Handler) {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
}

func newTestInterceptor(t *testing.T, publicPort, targetPort int) (*Interceptor, *capture.Store) {
	t.Helper()
	store := capture.NewStore()
	i := NewInterceptor(store, publicPort, targetPort, time.Second, zerolog.Nop())
	i.SetContext("Q1", "1")
	t.Cleanup(i.Stop)
	return i, store
}

func TestHTTPMode_When_ExchangeCompletes(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)
	startUpstreamHTTP(t, target, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"title":"Dune"}`, string(body))
		assert.Equal(t, "/books?full=1", r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		// Pretty-printed on purpose: the canonical size must ignore it.
		_, _ = w.Write([]byte("{\n  \"id\": 1\n}"))
	}))

	i, store := newTestInterceptor(t, public, target)
	require.NoError(t, i.Start(ModeHTTP))

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/books?full=1", public),
		"application/json",
		strings.NewReader(`{"title":"Dune"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Relayed bytes are untouched.
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "{\n  \"id\": 1\n}", string(body))

	reqText, found := store.TryGet(capture.Key{
		Scope: capture.ScopeServerRequests, Question: "Q1", Stage: "1"})
	require.True(t, found)
	assert.Equal(t, `{"title":"Dune"}`, reqText)

	respText, found := store.TryGet(capture.Key{
		Scope: capture.ScopeServerResponses, Question: "Q1", Stage: "1"})
	require.True(t, found)
	assert.Equal(t, "{\n  \"id\": 1\n}", respText)

	// Console-output scope stays untouched by payload writes.
	_, found = store.TryGet(capture.Key{
		Scope: capture.ScopeServers, Question: "Q1", Stage: "1"})
	assert.False(t, found)

	meta, found := store.TryGetMetadata("Q1", "1")
	require.True(t, found)
	assert.Equal(t, http.MethodPost, meta.Method)
	assert.Equal(t, http.StatusCreated, meta.StatusCode)
	assert.Equal(t, len(`{"id":1}`), meta.ByteSize)
}

// A response body that is not decodable text must be relayed byte for byte
// while the capture holds the placeholder instead of mojibake.
func TestHTTPMode_When_ResponseIsNotText(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0xff, 0xfe, 0x00}
	startUpstreamHTTP(t, target, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(raw)
	}))

	i, store := newTestInterceptor(t, public, target)
	require.NoError(t, i.Start(ModeHTTP))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/blob", public))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	respText, found := store.TryGet(capture.Key{
		Scope: capture.ScopeServerResponses, Question: "Q1", Stage: "1"})
	require.True(t, found)
	assert.Equal(t, BinaryPlaceholder, respText)

	// The recorded size reflects the real payload, not the placeholder.
	meta, found := store.TryGetMetadata("Q1", "1")
	require.True(t, found)
	assert.Equal(t, len(raw), meta.ByteSize)
}

func TestHTTPMode_When_UpstreamIsDown(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)
	i, _ := newTestInterceptor(t, public, target)
	require.NoError(t, i.Start(ModeHTTP))

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/anything", public))
	require.NoError(t, err)
	defer resp.Body.Close()

	// Synthetic upstream error, not a dead proxy.
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "upstream error")
}

func TestStart_When_PortAlreadyBound(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)
	blocker, err := net.Listen("tcp", fmt.Sprintf(":%d", public))
	require.NoError(t, err)
	defer blocker.Close()

	i, _ := newTestInterceptor(t, public, target)
	err = i.Start(ModeHTTP)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding proxy port")
}

func TestStartAndStop_AreIdempotent(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)
	i, _ := newTestInterceptor(t, public, target)

	require.NoError(t, i.Start(ModeHTTP))
	require.NoError(t, i.Start(ModeHTTP)) // second start is a no-op

	i.Stop()
	i.Stop() // second stop is a no-op

	// Port is free again after stop.
	require.NoError(t, i.Start(ModeHTTP))
	i.Stop()
}

func TestTCPMode_When_BytesFlowBothWays(t *testing.T) {
	t.Parallel()

	public, target := freePort(t), freePort(t)

	// Upstream echo server.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", target))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	i, _ := newTestInterceptor(t, public, target)
	require.NoError(t, i.Start(ModeTCP))

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", public))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))
}

func TestCanonicalSize_When_PayloadVaries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, len(`{"id":1}`), canonicalSize([]byte("{\n  \"id\": 1\n}")))
	assert.Equal(t, len("plain text"), canonicalSize([]byte("plain text")))
	assert.Equal(t, len("{broken"), canonicalSize([]byte("{broken")))
	assert.Equal(t, 0, canonicalSize(nil))
}
