// Package genai produces persona replies: deterministic template-based
// generation for offline runs and prompt-rendered generation through an
// llm.Provider for stub and live runs.
package genai

import (
	"regexp"
	"strings"
)

// HypeTokens are the chat tokens that mark a message as hype.
var HypeTokens = []string{"POG", "POGGERS", "OMEGALUL", "LUL", "KEKW", "W", "HYPE"}

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	mentionToken   = regexp.MustCompile(`@\w+`)
	nonWordOrSpace = regexp.MustCompile(`[^\w\s]`)
)

// SanitizeText flattens a value to a single trimmed line.
func SanitizeText(value string) string {
	flat := strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(flat, " "))
}

// StripMentions removes @name tokens.
func StripMentions(value string) string {
	return mentionToken.ReplaceAllString(value, "")
}

// Truncate caps a value at maxChars characters, appending an ellipsis when
// something was cut. A non-positive limit yields the empty string.
func Truncate(value string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) <= maxChars {
		return value
	}
	if maxChars <= 1 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-1]) + "…"
}

// DetectMentions reports whether content references the display name, bare
// or @-prefixed, case insensitively.
func DetectMentions(content, displayName string) bool {
	if displayName == "" {
		return false
	}
	lowered := strings.ToLower(content)
	name := strings.ToLower(displayName)
	if strings.Contains(lowered, name) {
		return true
	}
	if !strings.HasPrefix(displayName, "@") && strings.Contains(lowered, "@"+name) {
		return true
	}
	return false
}

// DetectHypeTokens reports whether content carries any hype token.
func DetectHypeTokens(content string) bool {
	upper := strings.ToUpper(content)
	for _, token := range HypeTokens {
		if strings.Contains(upper, token) {
			return true
		}
	}
	return false
}

// ChooseFromList picks items[idx mod len].
func ChooseFromList(items []string, idx int) string {
	if len(items) == 0 {
		return ""
	}
	return items[idx%len(items)]
}

// ExtractMarker returns the forcing token family present in content, if any.
func ExtractMarker(content string) string {
	for _, token := range []string{"E2E_TEST_BOTLOOP_", "E2E_TEST_", "E2E_MARKER_"} {
		if strings.Contains(content, token) {
			return token
		}
	}
	return ""
}

// SanitizeEcho keeps the first three words of content with punctuation
// stripped, for echo-style reply templates.
func SanitizeEcho(content string) string {
	words := strings.Fields(nonWordOrSpace.ReplaceAllString(content, " "))
	if len(words) == 0 {
		return ""
	}
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}

var tsLinePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}t`)

// ExtractObservationSummary pulls the summary part out of a rendered
// observation context block. The first line is skipped when it looks like a
// heading rather than an observation entry; timestamp and metadata segments
// are skipped within each line.
func ExtractObservationSummary(context string) string {
	if context == "" {
		return ""
	}
	var lines []string
	for _, line := range strings.Split(context, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	for idx, line := range lines {
		if idx == 0 && len(lines) > 1 {
			if !strings.Contains(line, "OBS:") && !strings.Contains(line, "|") &&
				!strings.Contains(line, "tags=") && !strings.Contains(line, "entities=") &&
				!strings.Contains(line, "hype=") {
				continue
			}
		}
		candidate := line
		if strings.HasPrefix(strings.ToLower(candidate), "obs:") {
			candidate = strings.TrimSpace(candidate[4:])
		}
		for _, part := range strings.Split(candidate, " | ") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lower := strings.ToLower(part)
			if strings.HasPrefix(lower, "tags=") || strings.HasPrefix(lower, "entities=") || strings.HasPrefix(lower, "hype=") {
				continue
			}
			if tsLinePrefix.MatchString(lower) {
				continue
			}
			return part
		}
	}
	return ""
}
