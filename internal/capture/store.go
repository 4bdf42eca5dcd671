// Package capture holds everything the harness observes about the processes
// under test: console output, intercepted HTTP bodies, and per-exchange HTTP
// metadata. It is the only state shared between concurrency domains.
package capture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Scope partitions the store into disjoint namespaces. A write under one
// scope is never visible under another, even for the same question and stage.
type Scope string

const (
	// ScopeClients holds console output of the client process.
	ScopeClients Scope = "clients"
	// ScopeServers holds console output of the server process.
	ScopeServers Scope = "servers"
	// ScopeServerRequests holds intercepted HTTP request bodies.
	ScopeServerRequests Scope = "servers-req"
	// ScopeServerResponses holds intercepted HTTP response bodies.
	ScopeServerResponses Scope = "servers-resp"
)

// KeyScheme prefixes a capture key reference, e.g.
// capture://servers-resp/Q3/2.
const KeyScheme = "capture://"

// Key addresses one captured buffer.
type Key struct {
	Scope    Scope
	Question string
	Stage    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s%s/%s/%s", KeyScheme, k.Scope, k.Question, k.Stage)
}

// ParseKey parses a capture:// reference. ok is false when ref does not
// carry the reserved scheme; err reports a malformed reference that does.
func ParseKey(ref string) (key Key, ok bool, err error) {
	if !strings.HasPrefix(ref, KeyScheme) {
		return Key{}, false, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(ref, KeyScheme), "/", 3)
	if len(parts) != 3 || parts[0] == "" {
		return Key{}, false, errors.Errorf("malformed capture key %q", ref)
	}
	switch Scope(parts[0]) {
	case ScopeClients, ScopeServers, ScopeServerRequests, ScopeServerResponses:
	default:
		return Key{}, false, errors.Errorf("unknown capture scope %q", parts[0])
	}
	return Key{Scope: Scope(parts[0]), Question: parts[1], Stage: parts[2]}, true, nil
}

// IsConsoleScope reports whether the scope holds process console output.
// Containment matching is only permitted for console captures.
func IsConsoleScope(s Scope) bool {
	return s == ScopeClients || s == ScopeServers
}

// Metadata records the observable shape of one intercepted HTTP exchange.
type Metadata struct {
	Method     string
	StatusCode int
	ByteSize   int
}

type metaKey struct {
	Question string
	Stage    string
}

// Store is a namespaced in-memory ledger. Writers are the process output
// pumps and the proxy handlers; readers are the comparison engine. All
// mutation is append-or-replace under the store lock; no caller performs a
// cross-key read-modify-write.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]*strings.Builder
	meta    map[metaKey]Metadata
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]*strings.Builder),
		meta:    make(map[metaKey]Metadata),
	}
}

// Append grows the buffer under key. Used for progressively produced
// console output.
func (s *Store) Append(key Key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, exists := s.entries[key]
	if !exists {
		b = &strings.Builder{}
		s.entries[key] = b
	}
	b.WriteString(text)
}

// Replace atomically overwrites the buffer under key. Used for one-shot
// payload snapshots such as HTTP bodies.
func (s *Store) Replace(key Key, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &strings.Builder{}
	b.WriteString(text)
	s.entries[key] = b
}

// TryGet returns the captured text under key. found=false is distinct from
// found=true with empty text; comparison logic relies on the difference.
func (s *Store) TryGet(key Key) (text string, found bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, exists := s.entries[key]
	if !exists {
		return "", false
	}
	return b.String(), true
}

// SetMetadata records the HTTP metadata for one (question, stage) exchange.
// Keyed independently of the text scopes.
func (s *Store) SetMetadata(question, stage string, m Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[metaKey{Question: question, Stage: stage}] = m
}

// TryGetMetadata returns the HTTP metadata for one (question, stage).
func (s *Store) TryGetMetadata(question, stage string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, found := s.meta[metaKey{Question: question, Stage: stage}]
	return m, found
}

// ClearQuestion drops every entry and metadata record belonging to the
// given question. Called at case start so each case observes a fresh
// namespace.
func (s *Store) ClearQuestion(question string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.Question == question {
			delete(s.entries, k)
		}
	}
	for k := range s.meta {
		if k.Question == question {
			delete(s.meta, k)
		}
	}
}
