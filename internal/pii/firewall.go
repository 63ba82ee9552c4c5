// Package pii implements the outbound-to-model PII firewall.
//
// The firewall detects sensitive entities in user text with Presidio-style
// regex recognizers, replaces every detected span with a stable placeholder,
// and returns a detection report. It masks but never blocks: a message with
// PII still flows through the rest of the pipeline in masked form.
package pii

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	guardotel "github.com/AmitNaikRepository/AI-Access-Guard/internal/otel"
)

var tracer = guardotel.Tracer("github.com/AmitNaikRepository/AI-Access-Guard/internal/pii")

const (
	// DefaultMinScore is the Presidio-compatible minimum confidence
	// threshold. Matches below this score are discarded unless boosted by
	// context words.
	DefaultMinScore = 0.5

	// ContextSimilarityFactor is the score boost applied when context words
	// are found near a match.
	ContextSimilarityFactor = 0.35

	// ContextWindowChars is the number of characters to search before and
	// after a match when looking for context words.
	ContextWindowChars = 100
)

// Detection is one detected PII entity. Immutable once produced; spans refer
// to the original (unmasked) text.
type Detection struct {
	EntityType    string  `json:"entity_type"`
	Start         int     `json:"start"`
	End           int     `json:"end"`
	Score         float64 `json:"score"`
	OriginalValue string  `json:"original_value"`
	MaskedValue   string  `json:"masked_value"`
}

// Result holds the outcome of a firewall scan.
type Result struct {
	Masked     string      `json:"masked"`
	Detections []Detection `json:"detections"`
}

// HasPII reports whether any entity was detected.
func (r *Result) HasPII() bool { return len(r.Detections) > 0 }

// Firewall scans text for PII using configurable regex recognizers.
type Firewall struct {
	patterns []compiledPattern
	minScore float64
}

// Option configures a Firewall via the functional options pattern.
type Option func(*firewallConfig)

type firewallConfig struct {
	patternFile string
	minScore    float64
}

// WithMinScore overrides the default minimum confidence threshold.
func WithMinScore(score float64) Option {
	return func(c *firewallConfig) { c.minScore = score }
}

// WithPatternFile loads additional recognizers from a patterns YAML file.
// If the file does not exist, it is silently skipped.
func WithPatternFile(path string) Option {
	return func(c *firewallConfig) { c.patternFile = path }
}

// NewFirewall creates a PII firewall. Without options it uses the embedded
// default recognizers; a pattern file layers extra recognizers on top.
func NewFirewall(opts ...Option) (*Firewall, error) {
	var cfg firewallConfig
	for _, o := range opts {
		o(&cfg)
	}

	recs, err := DefaultRecognizers()
	if err != nil {
		return nil, fmt.Errorf("loading default recognizers: %w", err)
	}

	if cfg.patternFile != "" {
		rf, err := LoadRecognizerFile(cfg.patternFile)
		if err != nil {
			return nil, fmt.Errorf("loading pattern file: %w", err)
		}
		if rf != nil {
			recs = append(recs, rf.Recognizers...)
		}
	}

	compiled, err := compileRecognizers(recs)
	if err != nil {
		return nil, fmt.Errorf("compiling patterns: %w", err)
	}

	minScore := DefaultMinScore
	if cfg.minScore > 0 {
		minScore = cfg.minScore
	}

	return &Firewall{patterns: compiled, minScore: minScore}, nil
}

// MustNewFirewall is like NewFirewall but panics on error. Useful for
// zero-config startup where the embedded defaults are expected to always
// compile.
func MustNewFirewall(opts ...Option) *Firewall {
	f, err := NewFirewall(opts...)
	if err != nil {
		panic(fmt.Sprintf("pii.NewFirewall: %v", err))
	}
	return f
}

// Scan analyzes text and returns a masked copy plus the detection report.
// Each match goes through hard validation gates (Luhn, IBAN checksum/length)
// and Presidio-style score-based context filtering before being accepted.
//
// Overlapping matches resolve by preferring the longer span; ties go to the
// higher-confidence match. Detections are returned in ascending order of
// Start, and every detected span in the masked text is fully replaced by the
// entity's placeholder, never the raw value.
func (f *Firewall) Scan(ctx context.Context, text string) *Result {
	_, span := tracer.Start(ctx, "pii.scan")
	defer span.End()

	result := &Result{Masked: text, Detections: []Detection{}}
	if strings.TrimSpace(text) == "" {
		return result
	}

	var raw []Detection
	for _, pattern := range f.patterns {
		matches := pattern.pattern.FindAllStringIndex(text, -1)
		for _, match := range matches {
			value := text[match[0]:match[1]]

			if pattern.validateIBAN {
				clean := strings.ReplaceAll(value, " ", "")
				if !validateIBANLength(clean) || !validateIBANChecksum(clean) {
					continue
				}
			}
			if pattern.validateLuhn {
				if !luhnValid(stripNonDigits(value)) {
					continue
				}
			}

			score := enhanceScoreWithContext(text, match[0], pattern.score, pattern.contextWords)
			if score < f.minScore {
				continue
			}

			raw = append(raw, Detection{
				EntityType:    pattern.entity,
				Start:         match[0],
				End:           match[1],
				Score:         score,
				OriginalValue: value,
				MaskedValue:   maskedValue(pattern.entity, value),
			})
		}
	}

	result.Detections = resolveOverlaps(raw)
	result.Masked = maskText(text, result.Detections)

	span.SetAttributes(
		attribute.Bool("pii.detected", result.HasPII()),
		attribute.Int("pii.entity_count", len(result.Detections)),
	)

	return result
}

// resolveOverlaps drops detections whose span overlaps a preferred one.
// Preference: longer span first, then higher score, then earlier start.
// The survivors are returned sorted by ascending Start.
func resolveOverlaps(detections []Detection) []Detection {
	if len(detections) == 0 {
		return []Detection{}
	}

	ranked := make([]Detection, len(detections))
	copy(ranked, detections)
	sort.Slice(ranked, func(i, j int) bool {
		lenI := ranked[i].End - ranked[i].Start
		lenJ := ranked[j].End - ranked[j].Start
		if lenI != lenJ {
			return lenI > lenJ
		}
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Start < ranked[j].Start
	})

	var kept []Detection
	for _, d := range ranked {
		overlaps := false
		for _, k := range kept {
			if d.Start < k.End && k.Start < d.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// maskText replaces every detected span with its placeholder, back to front
// so earlier offsets stay valid.
func maskText(text string, detections []Detection) string {
	result := []byte(text)
	for i := len(detections) - 1; i >= 0; i-- {
		d := detections[i]
		result = append(result[:d.Start], append([]byte(d.MaskedValue), result[d.End:]...)...)
	}
	return string(result)
}

// maskedValue returns the stable placeholder for a PII value. Phone, card,
// and SSN placeholders keep the last four digits so users can still tell
// which of their numbers was protected.
func maskedValue(entityType, original string) string {
	switch entityType {
	case "EMAIL_ADDRESS":
		return "[EMAIL]"
	case "PHONE_NUMBER":
		digits := stripNonDigits(original)
		if len(digits) >= 4 {
			return "[PHONE_XXX" + digits[len(digits)-4:] + "]"
		}
		return "[PHONE]"
	case "CREDIT_CARD":
		digits := stripNonDigits(original)
		if len(digits) >= 4 {
			return "[CARD_XXXX" + digits[len(digits)-4:] + "]"
		}
		return "[CARD]"
	case "US_SSN":
		digits := stripNonDigits(original)
		if len(digits) >= 4 {
			return "[SSN_XXX-XX-" + digits[len(digits)-4:] + "]"
		}
		return "[SSN]"
	case "DATE_TIME":
		return "[DATE]"
	case "US_DRIVER_LICENSE":
		return "[DL_NUMBER]"
	case "US_PASSPORT":
		return "[PASSPORT]"
	case "IBAN_CODE":
		return "[IBAN]"
	case "IP_ADDRESS":
		return "[IP_ADDRESS]"
	case "URL":
		return "[URL]"
	default:
		return "[REDACTED]"
	}
}

// Summary returns a count of detections per entity type, for audit logging
// and the user-facing protection message.
func Summary(detections []Detection) map[string]int {
	summary := make(map[string]int)
	for _, d := range detections {
		summary[d.EntityType]++
	}
	return summary
}

// luhnValid checks whether a digit string passes the Luhn algorithm
// (ISO/IEC 7812).
func luhnValid(number string) bool {
	n := len(number)
	if n < 2 {
		return false
	}
	sum := 0
	alt := false
	for i := n - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if d < 0 || d > 9 {
			return false
		}
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// validateIBANChecksum verifies the MOD-97 check digits per ISO 13616.
func validateIBANChecksum(iban string) bool {
	if len(iban) < 5 {
		return false
	}
	rearranged := iban[4:] + iban[:4]
	var numStr strings.Builder
	for _, ch := range rearranged {
		switch {
		case ch >= '0' && ch <= '9':
			numStr.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			numStr.WriteString(fmt.Sprintf("%d", ch-'A'+10))
		default:
			return false
		}
	}
	n := new(big.Int)
	if _, ok := n.SetString(numStr.String(), 10); !ok {
		return false
	}
	mod := new(big.Int)
	mod.Mod(n, big.NewInt(97))
	return mod.Int64() == 1
}

// validateIBANLength checks that the IBAN has the correct length for its
// country code.
func validateIBANLength(iban string) bool {
	if len(iban) < 2 {
		return false
	}
	expected, ok := ibanLengths[iban[:2]]
	if !ok {
		return false
	}
	return len(iban) == expected
}

// ibanLengths maps ISO 3166 country codes to their IBAN length.
var ibanLengths = map[string]int{
	"AD": 24, "AT": 20, "BE": 16, "BG": 22, "CH": 21, "CY": 28, "CZ": 24,
	"DE": 22, "DK": 18, "EE": 20, "ES": 24, "FI": 18, "FR": 27, "GB": 22,
	"GR": 27, "HR": 21, "HU": 28, "IE": 22, "IS": 26, "IT": 27, "LI": 21,
	"LT": 20, "LU": 20, "LV": 21, "MC": 27, "MT": 31, "NL": 18, "NO": 15,
	"PL": 28, "PT": 25, "RO": 24, "SE": 24, "SI": 19, "SK": 24, "SM": 27,
}

// enhanceScoreWithContext boosts a match's base score if context words are
// found within ±ContextWindowChars characters of the match position. This
// mirrors Presidio's context-aware enhancer with a fixed similarity factor.
func enhanceScoreWithContext(text string, position int, baseScore float64, contextWords []string) float64 {
	if len(contextWords) == 0 {
		return baseScore
	}
	start := position - ContextWindowChars
	if start < 0 {
		start = 0
	}
	end := position + ContextWindowChars
	if end > len(text) {
		end = len(text)
	}
	window := strings.ToLower(text[start:end])

	for _, cw := range contextWords {
		if strings.Contains(window, strings.ToLower(cw)) {
			return baseScore + ContextSimilarityFactor
		}
	}
	return baseScore
}

// stripNonDigits removes all non-digit characters from s.
func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, ch := range s {
		if ch >= '0' && ch <= '9' {
			b.WriteRune(ch)
		}
	}
	return b.String()
}
