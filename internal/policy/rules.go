// Package policy evaluates role-based topic access rules for guarded queries.
//
// The rule set is a static table: named topic categories with keyword
// classifiers, plus a per-role access matrix. Evaluation is pure; the rule
// table is immutable once loaded and swapped atomically on reload.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules_default.yaml
var defaultRulesYAML []byte

// DefaultRulesYAML returns the embedded default rule set.
func DefaultRulesYAML() []byte { return defaultRulesYAML }

// Rules is the top-level rule set parsed from YAML.
type Rules struct {
	Version string       `yaml:"version" json:"version"`
	Topics  []Topic      `yaml:"topics" json:"topics"`
	Roles   []RoleAccess `yaml:"roles" json:"roles"`
}

// Topic is a named category with keyword classifiers. A query belongs to the
// topic when any keyword matches as a whole word, case-insensitively.
type Topic struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
}

// RoleAccess lists the topics a role may not query. Topics absent from every
// role's denied list are open to everyone.
type RoleAccess struct {
	Role         string   `yaml:"role" json:"role"`
	DeniedTopics []string `yaml:"denied_topics" json:"denied_topics"`
	Context      string   `yaml:"context,omitempty" json:"context,omitempty"`
}

// compiledTopic pairs a topic with its prebuilt keyword matchers.
type compiledTopic struct {
	name     string
	patterns []*regexp.Regexp
}

// ParseRules parses rule YAML bytes, validating against the JSON schema first.
func ParseRules(data []byte) (*Rules, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing rules YAML: %w", err)
	}
	return &r, nil
}

// LoadRules reads the rule set for the engine. When path is empty or the file
// does not exist, the embedded defaults apply.
func LoadRules(path string) (*Rules, error) {
	data := defaultRulesYAML
	if path != "" {
		fileData, err := os.ReadFile(path)
		switch {
		case err == nil:
			data = fileData
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading rules file %s: %w", path, err)
		}
	}
	return ParseRules(data)
}

// compileTopics builds whole-word, case-insensitive matchers for every topic
// keyword. Multi-word keywords match as a phrase.
func compileTopics(topics []Topic) ([]compiledTopic, error) {
	compiled := make([]compiledTopic, 0, len(topics))
	for _, t := range topics {
		ct := compiledTopic{name: t.Name}
		for _, kw := range t.Keywords {
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(strings.TrimSpace(kw)) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("topic %s keyword %q: %w", t.Name, kw, err)
			}
			ct.patterns = append(ct.patterns, re)
		}
		compiled = append(compiled, ct)
	}
	return compiled, nil
}

// classifyTopics returns the names of every topic the text matches, in rule
// order. A query can belong to several topics at once.
func classifyTopics(compiled []compiledTopic, text string) []string {
	var matched []string
	for _, ct := range compiled {
		for _, re := range ct.patterns {
			if re.MatchString(text) {
				matched = append(matched, ct.name)
				break
			}
		}
	}
	return matched
}

// roleContext returns the restricted-context note configured for the role,
// used to shape the model's system prompt.
func (r *Rules) roleContext(role string) string {
	for _, ra := range r.Roles {
		if ra.Role == role {
			return ra.Context
		}
	}
	return ""
}
