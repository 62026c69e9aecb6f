package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_MapOrderIndependent(t *testing.T) {
	t.Parallel()

	a := map[string]any{"bmi": 31.2, "smoker": true, "sleep_hours": 6}
	b := map[string]any{"sleep_hours": 6, "bmi": 31.2, "smoker": true}

	ha, err := Hash("risk-1.0.0", a)
	require.NoError(t, err)
	hb, err := Hash("risk-1.0.0", b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHash_VersionChangesHash(t *testing.T) {
	t.Parallel()

	answers := map[string]any{"bmi": 24}
	h1, err := Hash("risk-1.0.0", answers)
	require.NoError(t, err)
	h2, err := Hash("risk-1.1.0", answers)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHash_PartOrderMatters(t *testing.T) {
	t.Parallel()

	h1, err := Hash("a", "b")
	require.NoError(t, err)
	h2, err := Hash("b", "a")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHash_UnicodeNormalization(t *testing.T) {
	t.Parallel()

	// "é" precomposed vs "e" + combining acute accent.
	composed := map[string]any{"activity": "caf\u00e9"}
	decomposed := map[string]any{"activity": "cafe\u0301  "}

	h1, err := Hash(composed)
	require.NoError(t, err)
	h2, err := Hash(decomposed)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_StructAndMapAgree(t *testing.T) {
	t.Parallel()

	type cfg struct {
		Max    int    `json:"max"`
		Weight string `json:"weight"`
	}
	h1, err := Hash(cfg{Max: 5, Weight: "x"})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"weight": "x", "max": 5})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestHash_UnsupportedValue(t *testing.T) {
	t.Parallel()

	_, err := Hash(make(chan int))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint: encode")
}

func TestCanonical_NoHTMLEscape(t *testing.T) {
	t.Parallel()

	b, err := Canonical(map[string]any{"z": "<b>", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":"<b>"}`, string(b))
}

func TestCanonical_NumbersPreserved(t *testing.T) {
	t.Parallel()

	b, err := Canonical(map[string]any{"n": 1.50, "big": 12345678901234567})
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567,"n":1.5}`, string(b))
}

func TestBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Bytes(nil))
}

func TestShort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Short("abc"))
	assert.Equal(t, "0123456789ab", Short("0123456789abcdef"))
}
