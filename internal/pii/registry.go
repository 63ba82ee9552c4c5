package pii

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/AmitNaikRepository/AI-Access-Guard/patterns"
)

// RecognizerFile is the top-level YAML structure for a recognizer config file.
// Mirrors Presidio's recognizer registry YAML format.
type RecognizerFile struct {
	Recognizers []RecognizerConfig `yaml:"recognizers"`
}

// RecognizerConfig is a single recognizer definition.
type RecognizerConfig struct {
	Name               string            `yaml:"name"`
	SupportedEntity    string            `yaml:"supported_entity"`
	Enabled            *bool             `yaml:"enabled,omitempty"`
	Validate           string            `yaml:"validate,omitempty"` // "luhn" or "iban"
	Patterns           []PatternConfig   `yaml:"patterns,omitempty"`
	SupportedLanguages []LanguageContext `yaml:"supported_languages,omitempty"`
}

// PatternConfig is a single regex pattern within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Score float64 `yaml:"score"`
}

// LanguageContext holds context words for a specific language.
type LanguageContext struct {
	Language string   `yaml:"language"`
	Context  []string `yaml:"context,omitempty"`
}

func (r *RecognizerConfig) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// contextWords returns the merged context words across all languages.
func (r *RecognizerConfig) contextWords() []string {
	var words []string
	for _, lc := range r.SupportedLanguages {
		words = append(words, lc.Context...)
	}
	return words
}

// compiledPattern is a ready-to-run recognizer pattern.
type compiledPattern struct {
	entity       string
	pattern      *regexp.Regexp
	score        float64
	contextWords []string
	validateLuhn bool
	validateIBAN bool
}

// ParseRecognizerFile parses recognizer YAML bytes into a RecognizerFile.
func ParseRecognizerFile(data []byte) (*RecognizerFile, error) {
	var rf RecognizerFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &rf, nil
}

// LoadRecognizerFile reads and parses a recognizer YAML file from disk.
// Returns (nil, nil) when the file does not exist.
func LoadRecognizerFile(path string) (*RecognizerFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseRecognizerFile(data)
}

// DefaultRecognizers returns the built-in recognizers parsed from the
// embedded pii_default.yaml file.
func DefaultRecognizers() ([]RecognizerConfig, error) {
	rf, err := ParseRecognizerFile(patterns.PIIDefaultYAML())
	if err != nil {
		return nil, fmt.Errorf("parsing embedded PII patterns: %w", err)
	}
	return rf.Recognizers, nil
}

// compileRecognizers turns recognizer configs into runnable patterns,
// skipping disabled entries.
func compileRecognizers(recs []RecognizerConfig) ([]compiledPattern, error) {
	var compiled []compiledPattern
	for _, rec := range recs {
		if !rec.isEnabled() {
			continue
		}
		if rec.Validate != "" && rec.Validate != "luhn" && rec.Validate != "iban" {
			return nil, fmt.Errorf("recognizer %s: unknown validate gate %q", rec.Name, rec.Validate)
		}
		for _, p := range rec.Patterns {
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("recognizer %s pattern %s: %w", rec.Name, p.Name, err)
			}
			compiled = append(compiled, compiledPattern{
				entity:       rec.SupportedEntity,
				pattern:      re,
				score:        p.Score,
				contextWords: rec.contextWords(),
				validateLuhn: rec.Validate == "luhn",
				validateIBAN: rec.Validate == "iban",
			})
		}
	}
	return compiled, nil
}
