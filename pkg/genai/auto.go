package genai

import (
	"fmt"
	"strings"
)

// FormatAutoCommentaryReply assembles the final commentary line from the
// generated base reply, the observation it reacts to, and the room's
// commentary prefix. Falls back to the observation summary when the
// generator produced nothing.
func FormatAutoCommentaryReply(baseReply, observationSummary, observationContext, messagePrefix string, includeObsID bool, observationID string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	prefix := SanitizeText(messagePrefix)
	summary := SanitizeText(observationSummary)
	obsIDSegment := ""
	if includeObsID && observationID != "" {
		obsIDSegment = fmt.Sprintf("[%s]", observationID)
	}
	core := SanitizeText(baseReply)
	if core == "" {
		core = summary
	}
	if core == "" {
		if fallback := ExtractObservationSummary(observationContext); fallback != "" {
			core = SanitizeText(fallback)
		}
	}

	var parts []string
	for _, part := range []string{prefix, obsIDSegment, core} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	combined := strings.Join(parts, " ")
	combined = Truncate(SanitizeText(StripMentions(combined)), maxChars)
	if combined == "" {
		fallback := prefix
		if fallback == "" {
			fallback = "ok"
		}
		combined = Truncate(fallback, maxChars)
	}
	return combined
}
