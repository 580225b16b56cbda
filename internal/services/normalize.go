package services

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// "6 x 0,5 l", "4x125g"
	multipackPattern = regexp.MustCompile(`\b\d+\s*x\s*\d+(?:[.,]\d+)?\s*(?:kg|g|gr|ml|cl|l)\b`)
	// "1,5 kg", "0.75l"
	decimalUnitPattern = regexp.MustCompile(`\b\d+[.,]\d+\s*(?:kg|g|gr|dag|l|ml|cl|lb|oz)\b`)
	massPattern        = regexp.MustCompile(`\b\d+\s*(?:kg|g|gr|gram|grams|gramów|dag|mg|lb|lbs|oz)\b`)
	volumePattern      = regexp.MustCompile(`\b\d+\s*(?:l|ml|cl|ltr|litr|litre|litres|liter|liters)\b`)
	countPattern       = regexp.MustCompile(`\b\d+\s*(?:szt|pcs|pc|pk|pack)\b`)
	// fat or alcohol content: "2%", "3,2 %"
	percentPattern = regexp.MustCompile(`\b\d+(?:[.,]\d+)?\s*%`)

	prefixPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^(?:tesco|carrefour|biedronka|auchan|kaufland|lidl|żabka|aldi|netto|dino|lewiatan|stokrotka)\s+`),
		regexp.MustCompile(`^(?:organic|bio|eco|fresh)\s+`),
		regexp.MustCompile(`^(?:premium|deluxe|extra)\s+`),
	}
)

// NormalizeProductName reduces a product name to the key every matcher tier
// compares on. The transformation is applied until it reaches a fixed point,
// so NormalizeProductName(NormalizeProductName(x)) == NormalizeProductName(x).
func NormalizeProductName(name string) string {
	cur := name
	for {
		next := normalizePass(cur)
		if next == cur {
			return next
		}
		cur = next
	}
}

func normalizePass(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))

	s = multipackPattern.ReplaceAllString(s, " ")
	s = decimalUnitPattern.ReplaceAllString(s, " ")
	s = massPattern.ReplaceAllString(s, " ")
	s = volumePattern.ReplaceAllString(s, " ")
	s = countPattern.ReplaceAllString(s, " ")
	s = percentPattern.ReplaceAllString(s, " ")

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, s)
	s = collapseSpaces(s)

	for _, p := range prefixPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return collapseSpaces(s)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// matchKey is the normalised name, or the lowercased raw name when
// normalisation strips everything (e.g. a bare "500g").
func matchKey(name string) string {
	if key := NormalizeProductName(name); key != "" {
		return key
	}
	return collapseSpaces(strings.ToLower(name))
}
