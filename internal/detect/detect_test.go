package detect

import (
	"reflect"
	"testing"
	"unicode/utf8"

	"github.com/promptgate/promptgate/internal/models"
)

func TestEngine_Builtins(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name     string
		text     string
		detector string
		expected bool
	}{
		{"email", "contact me at test@example.com", "EMAIL", true},
		{"email with plus", "send to user+tag@example.com please", "EMAIL", true},
		{"no email", "just some text", "EMAIL", false},
		{"ssn", "my ssn is 123-45-6789", "SSN", true},
		{"ssn without dashes", "number 123456789 here", "SSN", false},
		{"credit card spaced", "card 4532 0151 1283 0366", "CREDIT_CARD", true},
		{"credit card dashed", "card 4532-0151-1283-0366", "CREDIT_CARD", true},
		{"phone dotted", "call 555.123.4567", "PHONE", true},
		{"phone dashed", "call 555-123-4567", "PHONE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, violations := e.Score(tt.text, nil)
			found := false
			for _, v := range violations {
				if v.Detector == tt.detector {
					found = true
					break
				}
			}
			if found != tt.expected {
				t.Errorf("expected %s found=%v, got %v", tt.detector, tt.expected, found)
			}
		})
	}
}

func TestEngine_EmptyText(t *testing.T) {
	e := NewEngine()
	score, violations := e.Score("", nil)
	if score != 0 || violations != nil {
		t.Errorf("expected zero score and no violations, got %d, %v", score, violations)
	}
}

func TestEngine_Deterministic(t *testing.T) {
	e := NewEngine()
	text := "email a@b.com ssn 123-45-6789 and again a@b.com"

	score1, v1 := e.Score(text, nil)
	score2, v2 := e.Score(text, nil)

	if score1 != score2 {
		t.Errorf("score not deterministic: %d vs %d", score1, score2)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Errorf("violations not deterministic: %v vs %v", v1, v2)
	}
}

func TestEngine_Saturation(t *testing.T) {
	e := NewEngine()

	custom := CompileCustomRules([]models.CustomRule{
		{Name: "A", Pattern: `secret`, Severity: 80},
		{Name: "B", Pattern: `secret`, Severity: 90},
		{Name: "C", Pattern: `secret`, Severity: 90},
	})
	if len(custom) != 3 {
		t.Fatalf("expected 3 compiled detectors, got %d", len(custom))
	}

	score, violations := e.Score("this is secret", custom)
	if score != 100 {
		t.Errorf("expected saturated score 100, got %d", score)
	}
	if len(violations) != 3 {
		t.Errorf("expected 3 violations, got %d", len(violations))
	}
}

func TestEngine_SampleCapAndCount(t *testing.T) {
	e := NewEngine()
	text := "a@x.com b@x.com c@x.com d@x.com e@x.com"

	_, violations := e.Score(text, nil)
	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(violations))
	}
	v := violations[0]
	if v.Count != 5 {
		t.Errorf("expected match count 5, got %d", v.Count)
	}
	if len(v.Samples) != 3 {
		t.Errorf("expected 3 samples, got %d", len(v.Samples))
	}
}

func TestCompileCustom_SeverityDefault(t *testing.T) {
	tests := []struct {
		name     string
		severity int
		want     int
	}{
		{"unspecified", 0, defaultSeverity},
		{"negative", -5, defaultSeverity},
		{"too large", 150, defaultSeverity},
		{"valid", 30, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := CompileCustom(models.CustomRule{Name: "R", Pattern: `x`, Severity: tt.severity})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Severity != tt.want {
				t.Errorf("expected severity %d, got %d", tt.want, d.Severity)
			}
		})
	}
}

func TestCompileCustomRules_MalformedDropped(t *testing.T) {
	detectors := CompileCustomRules([]models.CustomRule{
		{Name: "BROKEN", Pattern: `[unclosed`, Severity: 40},
		{Name: "PROJECT_CODE", Pattern: `PRJ-\d{4}`, Severity: 40},
	})

	if len(detectors) != 1 {
		t.Fatalf("expected malformed rule dropped, got %d detectors", len(detectors))
	}
	if detectors[0].Name != "PROJECT_CODE" {
		t.Errorf("expected surviving detector PROJECT_CODE, got %s", detectors[0].Name)
	}

	e := NewEngine()
	score, violations := e.Score("ticket PRJ-1234", detectors)
	if score != 40 || len(violations) != 1 {
		t.Errorf("expected valid rule to still apply, got score=%d violations=%v", score, violations)
	}
}

func TestRedact(t *testing.T) {
	if got := redact("abc"); got != "****" {
		t.Errorf("short value: got %s", got)
	}
	if got := redact("123-45-6789"); got != "12*******89" {
		t.Errorf("long value: got %s", got)
	}
	// Multibyte matches must redact whole runes, not bytes.
	if got := redact("Jürgen Müller"); got != "Jü*********er" {
		t.Errorf("multibyte value: got %s", got)
	}
	if !utf8.ValidString(redact("日本語のテスト文字列")) {
		t.Error("redacted multibyte value must remain valid UTF-8")
	}
}
