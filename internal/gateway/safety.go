// Package gateway implements the chat gateway: it consumes the ingest
// stream, validates and sanitizes messages, applies PII moderation, fans
// sanitized messages out to websocket subscribers and re-emits them on the
// firehose stream.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/chorus-chat/chorus/internal/protocol"
)

// ProcessedByGateway is appended to trace.processed_by on every message the
// gateway emits.
const ProcessedByGateway = "chat_gateway"

// ModerationPattern is one PII rule from the moderation config.
type ModerationPattern struct {
	Kind        string `json:"kind"`
	Regex       string `json:"regex"`
	Replacement string `json:"replacement"`
}

type moderationFile struct {
	PIIPatterns []ModerationPattern `json:"pii_patterns"`
}

type compiledPattern struct {
	kind        string
	replacement string
	re          *regexp.Regexp
}

// Safety sanitizes message content and applies the moderation pattern list.
type Safety struct {
	maxLength int
	patterns  []compiledPattern
	log       *slog.Logger
}

// NewSafety builds the safety pipeline. A missing or broken moderation
// config is logged and the gateway continues with sanitization only.
func NewSafety(maxLength int, moderationPath string, log *slog.Logger) *Safety {
	s := &Safety{maxLength: maxLength, log: log}
	if moderationPath == "" {
		return s
	}
	patterns, err := loadModerationPatterns(moderationPath)
	if err != nil {
		log.Warn("moderation config unavailable, continuing without redaction",
			"path", moderationPath, "err", err)
		return s
	}
	s.patterns = patterns
	log.Info("loaded moderation config", "path", moderationPath, "patterns", len(patterns))
	return s
}

func loadModerationPatterns(path string) ([]compiledPattern, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file moderationFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	patterns := make([]compiledPattern, 0, len(file.PIIPatterns))
	for _, p := range file.PIIPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p.Kind, err)
		}
		patterns = append(patterns, compiledPattern{kind: p.Kind, replacement: p.Replacement, re: re})
	}
	return patterns, nil
}

// SanitizeContent collapses CR/LF into spaces, trims and truncates to the
// configured length.
func (s *Safety) SanitizeContent(content string) string {
	sanitized := strings.NewReplacer("\r", " ", "\n", " ").Replace(content)
	sanitized = strings.TrimSpace(sanitized)
	if runes := []rune(sanitized); len(runes) > s.maxLength {
		sanitized = string(runes[:s.maxLength])
	}
	return sanitized
}

// Moderate runs the pattern list over content. Each matching pattern
// substitutes all its occurrences; reasons list the distinct kinds in match
// order. The action is redact exactly when at least one pattern matched.
func (s *Safety) Moderate(content string) (string, *protocol.Moderation) {
	moderation := &protocol.Moderation{
		Action:     protocol.ActionAllow,
		Reasons:    []string{},
		Redactions: []string{},
	}
	moderated := content
	for _, p := range s.patterns {
		if !p.re.MatchString(moderated) {
			continue
		}
		if !slices.Contains(moderation.Reasons, p.kind) {
			moderation.Reasons = append(moderation.Reasons, p.kind)
		}
		moderated = p.re.ReplaceAllString(moderated, p.replacement)
	}
	if len(moderation.Reasons) > 0 {
		moderation.Action = protocol.ActionRedact
	}
	return moderated, moderation
}

// Process sanitizes and moderates a message in place and enriches its trace.
// It reports false when the message must be dropped: empty content after
// sanitization, or empty content after redaction.
func (s *Safety) Process(msg *protocol.ChatMessage) bool {
	sanitized := s.SanitizeContent(msg.Content)
	if sanitized == "" {
		s.log.Warn("dropping message with empty content after sanitization", "id", msg.ID)
		return false
	}

	moderated, moderation := s.Moderate(sanitized)
	if moderation.Action == protocol.ActionRedact {
		sanitized = moderated
		if strings.TrimSpace(sanitized) == "" {
			s.log.Warn("dropping message with empty content after redaction", "id", msg.ID)
			return false
		}
	}

	msg.Content = sanitized
	msg.Moderation = moderation
	enrichTrace(msg)
	return true
}

// enrichTrace guarantees producer, processed_by and gateway_ts are set.
func enrichTrace(msg *protocol.ChatMessage) {
	if msg.Trace == nil {
		msg.Trace = &protocol.Trace{}
	}
	if msg.Trace.Producer == "" {
		msg.Trace.Producer = "unknown"
	}
	if !slices.Contains(msg.Trace.ProcessedBy, ProcessedByGateway) {
		msg.Trace.ProcessedBy = append(msg.Trace.ProcessedBy, ProcessedByGateway)
	}
	if msg.Trace.GatewayTS == "" {
		msg.Trace.GatewayTS = protocol.NowRFC3339()
	}
}
