package detect

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/promptgate/promptgate/internal/models"
)

// maxSamples caps the matched substrings carried on a violation so audit
// payloads stay bounded. The absolute match count is kept separately.
const maxSamples = 3

// defaultSeverity is applied when a custom rule carries no usable severity.
const defaultSeverity = 50

// Detector is one sensitive-data matching rule: a compiled pattern, a
// severity contribution in [0,100] and a human-readable message.
type Detector struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity int
	Message  string
}

// Violation is the evidence produced when a detector fires.
type Violation struct {
	Detector string   `json:"detector"`
	Message  string   `json:"message"`
	Severity int      `json:"severity"`
	Count    int      `json:"count"`
	Samples  []string `json:"samples"`
}

var builtins = []Detector{
	{
		Name:     "EMAIL",
		Pattern:  regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		Severity: 20,
		Message:  "Email address detected",
	},
	{
		Name:     "SSN",
		Pattern:  regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		Severity: 80,
		Message:  "Government ID number detected",
	},
	{
		Name:     "CREDIT_CARD",
		Pattern:  regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{1,7}\b`),
		Severity: 90,
		Message:  "Payment card number detected",
	},
	{
		Name:     "PHONE",
		Pattern:  regexp.MustCompile(`\b\d{3}[-.\s]\d{3}[-.\s]\d{4}\b`),
		Severity: 15,
		Message:  "Phone number detected",
	},
}

// BuiltinDetectors returns the fixed detector set. Patterns are compiled once
// at package init; callers must not mutate the returned slice.
func BuiltinDetectors() []Detector {
	return builtins
}

// CompileCustom builds a detector from an organization-supplied rule
// definition. An invalid pattern returns an error; severities outside (0,100]
// fall back to the default.
func CompileCustom(rule models.CustomRule) (Detector, error) {
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return Detector{}, fmt.Errorf("invalid pattern %q: %w", rule.Pattern, err)
	}

	severity := rule.Severity
	if severity <= 0 || severity > 100 {
		severity = defaultSeverity
	}

	message := rule.Description
	if message == "" {
		message = fmt.Sprintf("Custom rule %s matched", rule.Name)
	}

	return Detector{
		Name:     rule.Name,
		Pattern:  re,
		Severity: severity,
		Message:  message,
	}, nil
}

// CompileCustomRules compiles every rule it can and drops the rest. One
// malformed rule must never suppress the valid ones or fail the request.
func CompileCustomRules(rules []models.CustomRule) []Detector {
	detectors := make([]Detector, 0, len(rules))
	for _, rule := range rules {
		d, err := CompileCustom(rule)
		if err != nil {
			droppedRules.Inc()
			continue
		}
		detectors = append(detectors, d)
	}
	return detectors
}

// Engine applies the built-in detectors plus any custom detectors to a text
// blob. Scoring is pure and deterministic for identical input.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Score runs every detector against text and returns the clamped additive
// risk score and the violations found. Overlapping matches are not
// deduplicated; each firing detector contributes its full severity.
func (e *Engine) Score(text string, custom []Detector) (int, []Violation) {
	if text == "" {
		return 0, nil
	}

	var violations []Violation
	total := 0

	for _, set := range [][]Detector{builtins, custom} {
		for _, d := range set {
			matches := d.Pattern.FindAllString(text, -1)
			if len(matches) == 0 {
				continue
			}

			samples := make([]string, 0, maxSamples)
			for i, m := range matches {
				if i >= maxSamples {
					break
				}
				samples = append(samples, redact(m))
			}

			violations = append(violations, Violation{
				Detector: d.Name,
				Message:  d.Message,
				Severity: d.Severity,
				Count:    len(matches),
				Samples:  samples,
			})
			total += d.Severity
		}
	}

	if total > 100 {
		total = 100
	}
	return total, violations
}

// redact keeps the first and last two characters of a match. Operates on
// runes so multibyte matches stay valid UTF-8.
func redact(value string) string {
	runes := []rune(value)
	if len(runes) <= 4 {
		return "****"
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}
