package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokens(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "short words dropped", input: "Extrato de CC do Sicoob", want: []string{"extrato", "sicoob"}},
		{name: "accents kept in words", input: "Relatório Bancário", want: []string{"relatório", "bancário"}},
		{name: "digits count", input: "conta 001 / ag-12", want: []string{"conta", "001"}},
		{name: "duplicates collapse", input: "saldo SALDO saldo", want: []string{"saldo"}},
		{name: "empty", input: "  ", want: nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Tokens(tc.input, 3)
			assert.Len(t, got, len(tc.want))
			for _, w := range tc.want {
				assert.Contains(t, got, w)
			}
		})
	}
}

func TestLettersOnly(t *testing.T) {
	assert.Equal(t, "Banco Itaú S A extrato", LettersOnly("Banco Itaú S.A. - 12/2024 extrato!!"))
	assert.Equal(t, "", LettersOnly("12/34 - 56"))
}

func TestFold(t *testing.T) {
	assert.Equal(t, "bancario", Fold(" Bancário "))
	assert.Equal(t, Fold("FINANCEIRO"), Fold("financeiro"))
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c.pdf", SafeFileName("a/b:c.pdf"))
	assert.Equal(t, "file", SafeFileName(".."))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "x", FirstNonEmpty("", "  ", "x", "y"))
	assert.Equal(t, "", FirstNonEmpty())
}
