// Package compare decides PASS/FAIL for one (expected, actual) pair. It
// accumulated its matching tiers one observed false negative at a time, so
// the ladder order is part of the contract, not an implementation detail.
package compare

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/rs/zerolog"
)

// Level identifies the matching tier that produced a verdict.
type Level int

const (
	LevelNone Level = iota
	LevelIgnored
	LevelNormalizedEqual
	LevelContainment
	LevelAggressiveEqual
	LevelAggressiveContainment
)

func (l Level) String() string {
	switch l {
	case LevelIgnored:
		return "ignored"
	case LevelNormalizedEqual:
		return "normalized-equal"
	case LevelContainment:
		return "containment"
	case LevelAggressiveEqual:
		return "aggressive-equal"
	case LevelAggressiveContainment:
		return "aggressive-containment"
	default:
		return "none"
	}
}

// ExcerptWidth bounds the display width of diagnostic excerpts.
const ExcerptWidth = 60

// Verdict is the outcome of one comparison.
type Verdict struct {
	Passed          bool
	Level           Level
	Message         string
	DiffIndex       int
	ExpectedExcerpt string
	ActualExcerpt   string
}

func pass(level Level) Verdict {
	return Verdict{Passed: true, Level: level, DiffIndex: -1}
}

// Engine performs multi-level fuzzy comparison. The zero value is not
// usable; construct with NewEngine.
type Engine struct {
	norm Normalizer
	// AbsTol and PctTol bound the byte-size comparison. Whichever is more
	// permissive wins.
	AbsTol int
	PctTol float64
	log    zerolog.Logger
}

// NewEngine returns an engine with the given normalization options and
// size tolerances.
func NewEngine(norm Normalizer, absTol int, pctTol float64, log zerolog.Logger) *Engine {
	return &Engine{norm: norm, AbsTol: absTol, PctTol: pctTol, log: log}
}

// Text runs the four-tier ladder. allowContainment must only be set for
// console-output actuals: a process is allowed to print trailing content
// after the expected text, but a file or payload comparison is not.
//
// A blank expected value passes unconditionally: suite authors leave slots
// unconstrained on purpose.
func (e *Engine) Text(expected, actual string, allowContainment bool) Verdict {
	if strings.TrimSpace(expected) == "" {
		return pass(LevelIgnored)
	}

	ne := e.norm.Normalize(expected)
	na := e.norm.Normalize(actual)

	if ne == na {
		return pass(LevelNormalizedEqual)
	}
	if allowContainment && strings.Contains(na, ne) {
		return pass(LevelContainment)
	}
	ae, aa := Aggressive(ne), Aggressive(na)
	if ae == aa {
		return pass(LevelAggressiveEqual)
	}
	if allowContainment && strings.Contains(aa, ae) {
		return pass(LevelAggressiveContainment)
	}

	idx := divergeIndex(ne, na)
	v := Verdict{
		Passed:          false,
		DiffIndex:       idx,
		ExpectedExcerpt: excerptAt(ne, idx),
		ActualExcerpt:   excerptAt(na, idx),
	}
	v.Message = fmt.Sprintf("text mismatch at offset %d: expected %q, got %q",
		idx, v.ExpectedExcerpt, v.ActualExcerpt)
	e.log.Debug().Int("diff_index", idx).Msg("text comparison failed")
	return v
}

// JSON compares canonical forms directly. A parse failure on either side is
// reported as such, distinct from a content mismatch.
func (e *Engine) JSON(expected, actual string) Verdict {
	if strings.TrimSpace(expected) == "" {
		return pass(LevelIgnored)
	}
	ce, okE := CanonicalJSON(e.norm.Normalize(expected), e.norm.SortArrays)
	ca, okA := CanonicalJSON(e.norm.Normalize(actual), e.norm.SortArrays)
	if !okE {
		return Verdict{Passed: false, DiffIndex: -1, Message: "expected value is not valid JSON"}
	}
	if !okA {
		return Verdict{Passed: false, DiffIndex: -1, Message: "actual value is not valid JSON"}
	}
	if ce == ca {
		return pass(LevelNormalizedEqual)
	}
	idx := divergeIndex(ce, ca)
	return Verdict{
		Passed:          false,
		DiffIndex:       idx,
		ExpectedExcerpt: excerptAt(ce, idx),
		ActualExcerpt:   excerptAt(ca, idx),
		Message: fmt.Sprintf("JSON mismatch at offset %d: expected %q, got %q",
			idx, excerptAt(ce, idx), excerptAt(ca, idx)),
	}
}

// CSV compares records cell by cell after normalization. When either side
// does not parse as CSV the comparison falls back to the text ladder
// without containment.
func (e *Engine) CSV(expected, actual string) Verdict {
	if strings.TrimSpace(expected) == "" {
		return pass(LevelIgnored)
	}
	er, errE := readCSV(expected)
	ar, errA := readCSV(actual)
	if errE != nil || errA != nil {
		return e.Text(expected, actual, false)
	}
	if len(er) != len(ar) {
		return Verdict{Passed: false, DiffIndex: -1,
			Message: fmt.Sprintf("CSV record count mismatch: expected %d, got %d", len(er), len(ar))}
	}
	for i := range er {
		if len(er[i]) != len(ar[i]) {
			return Verdict{Passed: false, DiffIndex: -1,
				Message: fmt.Sprintf("CSV record %d field count mismatch: expected %d, got %d",
					i+1, len(er[i]), len(ar[i]))}
		}
		for j := range er[i] {
			ne := e.norm.Normalize(er[i][j])
			na := e.norm.Normalize(ar[i][j])
			if ne != na && Aggressive(ne) != Aggressive(na) {
				return Verdict{
					Passed:          false,
					DiffIndex:       -1,
					ExpectedExcerpt: excerptAt(ne, 0),
					ActualExcerpt:   excerptAt(na, 0),
					Message: fmt.Sprintf("CSV mismatch at record %d field %d: expected %q, got %q",
						i+1, j+1, excerptAt(ne, 0), excerptAt(na, 0)),
				}
			}
		}
	}
	return pass(LevelNormalizedEqual)
}

func readCSV(s string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(s)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	return r.ReadAll()
}

// ByteSize passes when the absolute difference is within AbsTol or the
// relative difference is within PctTol.
func (e *Engine) ByteSize(expected, actual int) Verdict {
	diff := actual - expected
	if diff < 0 {
		diff = -diff
	}
	if diff <= e.AbsTol {
		return pass(LevelNormalizedEqual)
	}
	if expected > 0 && float64(diff)/float64(expected) <= e.PctTol {
		return pass(LevelNormalizedEqual)
	}
	return Verdict{Passed: false, DiffIndex: -1,
		Message: fmt.Sprintf("byte size mismatch: expected %d, got %d (diff %d)", expected, actual, diff)}
}

// Method compares HTTP methods case-insensitively. A blank expected method
// is unconstrained.
func (e *Engine) Method(expected, actual string) Verdict {
	if strings.TrimSpace(expected) == "" {
		return pass(LevelIgnored)
	}
	if strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(actual)) {
		return pass(LevelNormalizedEqual)
	}
	return Verdict{Passed: false, DiffIndex: -1,
		Message: fmt.Sprintf("HTTP method mismatch: expected %s, got %s", expected, actual)}
}

// Status compares status representations after folding numeric and
// reason-phrase forms into the same equivalence class: "200", "OK" and
// "200 OK" all mean 200.
func (e *Engine) Status(expected string, actual int) Verdict {
	if strings.TrimSpace(expected) == "" {
		return pass(LevelIgnored)
	}
	code, ok := ParseStatus(expected)
	if !ok {
		return Verdict{Passed: false, DiffIndex: -1,
			Message: fmt.Sprintf("unrecognized expected status %q", expected)}
	}
	if code == actual {
		return pass(LevelNormalizedEqual)
	}
	return Verdict{Passed: false, DiffIndex: -1,
		Message: fmt.Sprintf("HTTP status mismatch: expected %d, got %d", code, actual)}
}

// ParseStatus folds a status representation into its numeric code. Accepts
// "200", "200 OK" and bare reason phrases like "Not Found".
func ParseStatus(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if fields := strings.Fields(s); len(fields) > 0 {
		if code, err := strconv.Atoi(fields[0]); err == nil {
			return code, code >= 100 && code < 600
		}
	}
	for code := 100; code < 600; code++ {
		if phrase := http.StatusText(code); phrase != "" && strings.EqualFold(phrase, s) {
			return code, true
		}
	}
	return 0, false
}

// divergeIndex returns the first byte offset at which two normalized
// strings differ. When one is a strict prefix of the other, the index is
// the shorter length.
func divergeIndex(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}

// excerptAt returns a short context window around idx, clipped to a bounded
// display width so multibyte text does not blow up result messages.
func excerptAt(s string, idx int) string {
	if s == "" {
		return ""
	}
	if idx < 0 {
		idx = 0
	}
	start := idx - ExcerptWidth/2
	if start < 0 {
		start = 0
	}
	// Back up to a rune boundary.
	for start > 0 && start < len(s) && !isRuneStart(s[start]) {
		start--
	}
	clipped := runewidth.Truncate(s[start:], ExcerptWidth, "…")
	if start > 0 {
		clipped = "…" + clipped
	}
	return strings.ReplaceAll(clipped, "\n", "\\n")
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
