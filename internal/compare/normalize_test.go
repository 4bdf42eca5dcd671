package compare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_When_WhitespaceAndNewlinesDiffer(t *testing.T) {
	t.Parallel()

	n := Normalizer{}
	assert.Equal(t, n.Normalize("a  b\r\nc"), n.Normalize("a b\nc"))
	assert.Equal(t, "a b\nc", n.Normalize("  a  b \r\n\tc  \n\n"))
}

func TestNormalize_When_BOMAndUnicodeEscapesPresent(t *testing.T) {
	t.Parallel()

	n := Normalizer{}
	assert.Equal(t, "hello", n.Normalize("\uFEFFhello"))
	assert.Equal(t, "A", n.Normalize(`\u0041`))
}

func TestNormalize_When_SmartPunctuationPresent(t *testing.T) {
	t.Parallel()

	n := Normalizer{}
	assert.Equal(t, `"quoted" - done`, n.Normalize("“quoted” — done"))
}

func TestNormalize_When_CaseFoldEnabled(t *testing.T) {
	t.Parallel()

	folded := Normalizer{CaseFold: true}
	plain := Normalizer{}
	assert.Equal(t, "hello", folded.Normalize("HeLLo"))
	assert.Equal(t, "HeLLo", plain.Normalize("HeLLo"))
}

func TestNormalize_When_InputIsJSON(t *testing.T) {
	t.Parallel()

	n := Normalizer{}
	assert.Equal(t,
		n.Normalize(`{"b": 2, "a": 1}`),
		n.Normalize("{\n  \"a\": 1,\n  \"b\": 2\n}"))
}

func TestCanonicalJSON_When_KeyOrderDiffers(t *testing.T) {
	t.Parallel()

	a, okA := CanonicalJSON(`{"b":2,"a":1}`, false)
	b, okB := CanonicalJSON(`{"a": 1, "b": 2}`, false)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, a)
}

func TestCanonicalJSON_When_ArrayOrderDiffers(t *testing.T) {
	t.Parallel()

	a, _ := CanonicalJSON(`[1,2,3]`, true)
	b, _ := CanonicalJSON(`[3,1,2]`, true)
	assert.Equal(t, a, b)

	a, _ = CanonicalJSON(`[1,2,3]`, false)
	b, _ = CanonicalJSON(`[3,1,2]`, false)
	assert.NotEqual(t, a, b)
}

func TestCanonicalJSON_When_NotJSON(t *testing.T) {
	t.Parallel()

	_, ok := CanonicalJSON("just text", false)
	assert.False(t, ok)
	_, ok = CanonicalJSON(`{"a":`, false)
	assert.False(t, ok)
	_, ok = CanonicalJSON(`{"a":1} trailing`, false)
	assert.False(t, ok)
}

func TestCanonicalJSON_When_NumbersAreLarge(t *testing.T) {
	t.Parallel()

	// json.Number keeps the original representation instead of rounding
	// through float64.
	canon, ok := CanonicalJSON(`{"id":9007199254740993}`, false)
	require.True(t, ok)
	assert.Equal(t, `{"id":9007199254740993}`, canon)
}

func TestAggressive_When_PunctuationAndSpacesPresent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "total5", Aggressive("total: 5"))
	assert.Equal(t, Aggressive("a, b. c; d:"), Aggressive("abcd"))
	assert.Equal(t, "keep-dash!", Aggressive("keep - dash !"))
}
