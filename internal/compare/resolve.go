package compare

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/edulab/blackbox/internal/capture"
)

// SourceKind tags where an actual value comes from.
type SourceKind int

const (
	// SourceLiteral is inline text from the step definition.
	SourceLiteral SourceKind = iota
	// SourceCapture reads from the capture store.
	SourceCapture
	// SourceFile reads a file from disk.
	SourceFile
)

// Source is the resolved form of an actual-value reference. Resolution
// happens once, at the step-executor boundary; comparators never re-sniff
// the raw string.
type Source struct {
	Kind    SourceKind
	Key     capture.Key
	Path    string
	Literal string
}

// ResolveRef classifies an actual-value reference. The order is fixed and
// must not change: reserved scheme first, then the leading-brace literal
// override, then path sniffing, then plain literal. A value starting with
// '{' or '[' is always literal JSON even when it contains slashes or other
// path-like characters (URLs, dates).
func ResolveRef(ref string) (Source, error) {
	if key, ok, err := capture.ParseKey(ref); ok || err != nil {
		if err != nil {
			return Source{}, err
		}
		return Source{Kind: SourceCapture, Key: key}, nil
	}
	trimmed := strings.TrimSpace(ref)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return Source{Kind: SourceLiteral, Literal: ref}, nil
	}
	if looksLikePath(trimmed) {
		return Source{Kind: SourceFile, Path: trimmed}, nil
	}
	return Source{Kind: SourceLiteral, Literal: ref}, nil
}

func looksLikePath(s string) bool {
	if s == "" {
		return false
	}
	if filepath.IsAbs(s) || strings.Contains(s, `\`) {
		return true
	}
	if info, err := os.Stat(s); err == nil && !info.IsDir() {
		return true
	}
	return false
}

// Fetch materializes a source into text. found=false reports an absent
// capture; a file read error is returned as-is.
func (src Source) Fetch(store *capture.Store) (text string, found bool, err error) {
	switch src.Kind {
	case SourceCapture:
		text, found = store.TryGet(src.Key)
		return text, found, nil
	case SourceFile:
		data, readErr := os.ReadFile(src.Path)
		if readErr != nil {
			return "", false, errors.Wrapf(readErr, "reading comparison file %s", src.Path)
		}
		return string(data), true, nil
	default:
		return src.Literal, true, nil
	}
}
