package session

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// CodeLength is the fixed length of a session code.
const CodeLength = 6

const (
	// AlphabetAlnum gives 36^6 ≈ 2.2e9 codes.
	AlphabetAlnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// AlphabetDigits gives only 10^6 codes; collisions among active sessions become
	// plausible at a few hundred concurrent sessions.
	AlphabetDigits = "0123456789"
)

// CodeGenerator draws uniformly distributed codes from a fixed alphabet.
type CodeGenerator struct {
	alphabet string
	rand     io.Reader
}

// NewCodeGenerator returns a generator for the named policy ("alnum" or "digits").
func NewCodeGenerator(policy string) *CodeGenerator {
	alphabet := AlphabetAlnum
	if policy == "digits" {
		alphabet = AlphabetDigits
	}
	return &CodeGenerator{alphabet: alphabet, rand: rand.Reader}
}

// Generate returns a new code.
func (g *CodeGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(g.alphabet)))
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(g.rand, max)
		if err != nil {
			return "", fmt.Errorf("generate session code: %w", err)
		}
		b.WriteByte(g.alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Space returns the number of distinct codes the generator can produce.
func (g *CodeGenerator) Space() float64 {
	space := 1.0
	for i := 0; i < CodeLength; i++ {
		space *= float64(len(g.alphabet))
	}
	return space
}

// NormalizeCode trims and upper-cases a submitted code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// WellFormedCode reports whether code has the fixed length and only alphanumerics.
func WellFormedCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(AlphabetAlnum, rune(code[i])) {
			return false
		}
	}
	return true
}
