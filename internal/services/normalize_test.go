package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProductName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Milk 2%", "milk"},
		{"MLEKO 3,2% 1L", "mleko"},
		{"Zzyx Snack Bar 50g", "zzyx snack bar"},
		{"Coca-Cola 6 x 0,5 l", "coca cola"},
		{"Biedronka Bio Jabłka 1,5 kg", "jabłka"},
		{"Jaja 10 szt", "jaja"},
		{"  Ser   Żółty  ", "ser żółty"},
		{"Premium Organic Coffee", "coffee"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeProductName(tt.in))
		})
	}
}

func TestNormalizeProductNameIsIdempotent(t *testing.T) {
	inputs := []string{
		"Lidl Bio Premium Masło 200g",
		"Woda 1,5l x6",
		"Tesco Organic Fresh Apples",
		"Piwo 0,5 L 5,2%",
		"Sok!!! (pomarańczowy) 1L",
		"500g",
	}
	for _, in := range inputs {
		once := NormalizeProductName(in)
		assert.Equal(t, once, NormalizeProductName(once), "input %q", in)
	}
}

func TestMatchKeyFallsBackToRawName(t *testing.T) {
	assert.Equal(t, "500g", matchKey("500G"))
	assert.Equal(t, "mleko", matchKey("Mleko 1L"))
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"", "", 1},
		{"abc", "", 0},
		{"mleko", "mleko", 1},
		{"abc", "abcd", 6.0 / 7.0},
		{"kot", "pies", 0},
		{"żółw", "zolw", 0.25},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9, "%q vs %q", tt.a, tt.b)
		assert.InDelta(t, Similarity(tt.a, tt.b), Similarity(tt.b, tt.a), 1e-9)
	}
}

func TestCategoryGuesser(t *testing.T) {
	g, err := NewCategoryGuesser("")
	require.NoError(t, err)

	assert.Equal(t, "Nabiał", g.Guess("mleko uht"))
	assert.Equal(t, "Pieczywo", g.Guess("chleb razowy"))
	assert.Equal(t, "Napoje", g.Guess("woda mineralna"))
	assert.Equal(t, "Artykuły Chemiczne", g.Guess("pasta do zębów mięta"))
	assert.Equal(t, "Inne", g.Guess("zzyx snack bar"))
	assert.Equal(t, "Inne", g.Names()[len(g.Names())-1])
}

func TestParseCategoryRules(t *testing.T) {
	g, err := ParseCategoryRules([]byte(`
categories:
  - name: Sweets
    keywords: [" Choco ", candy bar]
`))
	require.NoError(t, err)

	assert.Equal(t, "Sweets", g.Guess("chocolate"))
	assert.Equal(t, "Sweets", g.Guess("big candy bar"))
	assert.Equal(t, "Inne", g.Guess("candy"))
	assert.Equal(t, []string{"Sweets", "Inne"}, g.Names())

	_, err = ParseCategoryRules([]byte("categories: [oops"))
	assert.Error(t, err)
}
