package memory

import (
	"regexp"
	"strings"
)

const redactedToken = "[REDACTED]"

// Built-in PII patterns applied whenever redaction is enabled, before any
// custom policy patterns.
var defaultPatterns = []NamedPattern{
	{Name: "email", Regex: `[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`},
	{Name: "phone", Regex: `\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`},
	{Name: "address", Regex: `\b\d{1,5}\s+[A-Za-z]{2,}\s+(Street|St|Road|Rd|Avenue|Ave|Boulevard|Blvd)\b`},
}

func (p *Policy) redactionPatterns() []NamedPattern {
	if !p.Redaction.Enabled {
		return nil
	}
	patterns := make([]NamedPattern, 0, len(defaultPatterns)+len(p.Redaction.Patterns))
	patterns = append(patterns, defaultPatterns...)
	for _, entry := range p.Redaction.Patterns {
		if entry.Regex == "" {
			continue
		}
		name := entry.Name
		if name == "" {
			name = "custom"
		}
		patterns = append(patterns, NamedPattern{Name: name, Regex: entry.Regex})
	}
	return patterns
}

// ApplyRedactions substitutes every match of the active patterns (case
// insensitive) with "[REDACTED]" and returns the pattern names that fired.
// A custom pattern that fails to compile is reported as
// "invalid_pattern:<name>" instead of being applied.
func (p *Policy) ApplyRedactions(text string) (string, []string) {
	if text == "" {
		return "", nil
	}
	var notes []string
	redacted := text
	for _, pattern := range p.redactionPatterns() {
		compiled, err := regexp.Compile("(?i)" + pattern.Regex)
		if err != nil {
			notes = append(notes, "invalid_pattern:"+pattern.Name)
			continue
		}
		if compiled.MatchString(redacted) {
			redacted = compiled.ReplaceAllString(redacted, redactedToken)
			notes = append(notes, pattern.Name)
		}
	}
	return redacted, notes
}

// RedactedToEmpty reports whether a value carries no content besides
// redaction tokens. Such values are rejected instead of stored.
func RedactedToEmpty(value string) bool {
	return strings.TrimSpace(strings.ReplaceAll(value, redactedToken, "")) == ""
}
