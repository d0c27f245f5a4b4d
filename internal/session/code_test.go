package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeGenerator(t *testing.T) {
	g := NewCodeGenerator("alnum")
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := g.Generate()
		require.NoError(t, err)
		assert.True(t, WellFormedCode(code), code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
	assert.InDelta(t, 2.176782336e9, g.Space(), 1)
}

func TestDigitsPolicy(t *testing.T) {
	g := NewCodeGenerator("digits")
	code, err := g.Generate()
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{6}$`, code)
	assert.Equal(t, 1e6, g.Space())
}

func TestGenerateRandomFailure(t *testing.T) {
	g := &CodeGenerator{alphabet: AlphabetAlnum, rand: bytes.NewReader(nil)}
	_, err := g.Generate()
	assert.ErrorContains(t, err, "generate session code")
}

func TestNormalizeAndWellFormed(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeCode("  abc123 "))
	assert.True(t, WellFormedCode("ABC123"))
	assert.False(t, WellFormedCode("ABC12"))
	assert.False(t, WellFormedCode("abc123"))
	assert.False(t, WellFormedCode("ABC-12"))
}
