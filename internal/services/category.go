package services

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultCategoryRules []byte

// CategoryRules is the YAML document driving CategoryGuesser
type CategoryRules struct {
	Default    string         `yaml:"default"`
	Categories []CategoryRule `yaml:"categories"`
}

type CategoryRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// CategoryGuesser assigns a best-effort category to placeholder products.
type CategoryGuesser struct {
	rules CategoryRules
}

// NewCategoryGuesser loads rules from path, or the built-in rules when path is empty.
func NewCategoryGuesser(path string) (*CategoryGuesser, error) {
	raw := defaultCategoryRules
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read category rules: %w", err)
		}
		raw = b
	}
	return ParseCategoryRules(raw)
}

func ParseCategoryRules(raw []byte) (*CategoryGuesser, error) {
	var rules CategoryRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse category rules: %w", err)
	}
	if rules.Default == "" {
		rules.Default = "Inne"
	}
	for i := range rules.Categories {
		for j, kw := range rules.Categories[i].Keywords {
			rules.Categories[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return &CategoryGuesser{rules: rules}, nil
}

// Guess returns the first category with a keyword hit. Single-word keywords
// must prefix a word of the name; multi-word keywords match anywhere.
func (g *CategoryGuesser) Guess(normalizedName string) string {
	name := strings.ToLower(normalizedName)
	words := strings.Fields(name)
	for _, rule := range g.rules.Categories {
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(kw, " ") {
				if strings.Contains(name, kw) {
					return rule.Name
				}
				continue
			}
			for _, w := range words {
				if strings.HasPrefix(w, kw) {
					return rule.Name
				}
			}
		}
	}
	return g.rules.Default
}

// Names lists every category the rules can produce, default last.
func (g *CategoryGuesser) Names() []string {
	out := make([]string, 0, len(g.rules.Categories)+1)
	for _, rule := range g.rules.Categories {
		out = append(out, rule.Name)
	}
	return append(out, g.rules.Default)
}
