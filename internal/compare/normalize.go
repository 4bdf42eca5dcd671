package compare

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Normalizer rewrites captured or expected text into a canonical form before
// comparison. The exact sequence of rewrites is load-bearing: each one exists
// to absorb a class of harmless difference (encoding artifacts, JSON
// formatting, platform line endings, exotic whitespace) that a graded
// submission is allowed to exhibit.
type Normalizer struct {
	// CaseFold lowercases the normalized text when set.
	CaseFold bool
	// SortArrays sorts JSON array elements during canonicalization.
	SortArrays bool
}

// whitespaceToSpace folds every Unicode whitespace variant except the line
// break itself into a plain space. NBSP, ideographic space, tabs and the
// rest all count.
var whitespaceToSpace = runes.Map(func(r rune) rune {
	if r != '\n' && unicode.IsSpace(r) {
		return ' '
	}
	return r
})

var punctFolds = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
	"–", "-", "—", "-", "―", "-", "−", "-",
)

// Normalize applies the full rewrite sequence and returns the canonical
// form of s.
func (n Normalizer) Normalize(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = unescapeUnicode(s)
	s = punctFolds.Replace(s)
	if canon, ok := CanonicalJSON(s, n.SortArrays); ok {
		s = canon
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s, _, _ = transform.String(whitespaceToSpace, s)
	s = collapseLines(s)
	if n.CaseFold {
		s = strings.ToLower(s)
	}
	return s
}

// Aggressive strips all whitespace and a fixed set of punctuation from an
// already-normalized string. The most lenient matching tier.
func Aggressive(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
		case r == ',' || r == '.' || r == ':' || r == ';':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// unescapeUnicode rewrites literal \uXXXX sequences into the runes they
// name. Invalid escapes are left untouched.
func unescapeUnicode(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+5 < len(s) && s[i+1] == 'u' {
			if code, err := strconv.ParseUint(s[i+2:i+6], 16, 32); err == nil {
				b.WriteRune(rune(code))
				i += 6
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// collapseLines trims each line and collapses runs of spaces within it,
// preserving the line structure. Leading and trailing blank lines go away.
func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		out = append(out, strings.Join(fields, " "))
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

// CanonicalJSON re-serializes s into a canonical compact form when it parses
// as JSON: object keys sorted, no insignificant whitespace, and array
// elements optionally sorted by their own canonical form. ok is false when s
// is not valid JSON.
func CanonicalJSON(s string, sortArrays bool) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	if dec.More() {
		return "", false
	}
	var b strings.Builder
	writeCanonical(&b, v, sortArrays)
	return b.String(), true
}

func writeCanonical(b *strings.Builder, v interface{}, sortArrays bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k], sortArrays)
		}
		b.WriteByte('}')
	case []interface{}:
		elems := make([]string, len(t))
		for i, e := range t {
			var eb strings.Builder
			writeCanonical(&eb, e, sortArrays)
			elems[i] = eb.String()
		}
		if sortArrays {
			sort.Strings(elems)
		}
		b.WriteByte('[')
		for i, e := range elems {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(e)
		}
		b.WriteByte(']')
	case json.Number:
		b.WriteString(t.String())
	default:
		eb, _ := json.Marshal(t)
		b.Write(eb)
	}
}
