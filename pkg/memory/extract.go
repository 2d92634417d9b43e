package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/pkg/det"
)

// DefaultExtractMarker is the marker the extraction prompt carries when the
// triggering message has none. Stub backends key fixture responses off it.
const DefaultExtractMarker = "E2E_TEST_MEMORY_LLM"

// ExtractRequest describes the chat message an extraction pass runs over.
type ExtractRequest struct {
	Content        string
	RoomID         string
	PersonaID      string
	UserID         string
	DisplayName    string
	MessageID      string
	Origin         string
	Marker         string
	RecentMessages []string
}

// ExtractGenerate renders the extraction prompt and produces the raw model
// output, along with the provider and model identity that served it. The
// worker wires this to its prompt renderer and language model backend.
type ExtractGenerate func(ctx context.Context, req ExtractRequest) (text, provider, model string, err error)

// ExtractResult is the outcome of one extraction pass.
type ExtractResult struct {
	AcceptedItems []*Item
	RejectedCount int
	RedactedCount int
	RawText       string
	Err           string
	Provider      string
	Model         string
}

// LLMExtractor turns chat messages into memory items: it asks a language
// model for candidate facts, normalizes whatever JSON comes back, redacts
// values and gates each candidate through the write policy.
type LLMExtractor struct {
	generate         ExtractGenerate
	policy           *Policy
	maxItems         int
	maxChars         int
	scopeUserEnabled bool
}

// NewLLMExtractor builds an extractor. maxItems caps accepted candidates per
// pass and maxChars caps the raw model output considered.
func NewLLMExtractor(generate ExtractGenerate, policy *Policy, maxItems, maxChars int, scopeUserEnabled bool) *LLMExtractor {
	if maxItems <= 0 {
		maxItems = 5
	}
	if maxChars <= 0 {
		maxChars = 800
	}
	return &LLMExtractor{
		generate:         generate,
		policy:           policy,
		maxItems:         maxItems,
		maxChars:         maxChars,
		scopeUserEnabled: scopeUserEnabled,
	}
}

// Extract runs one pass. Model failures and unparseable output surface in
// Err; a pass that parses but accepts nothing reports "no_items_accepted".
func (e *LLMExtractor) Extract(ctx context.Context, req ExtractRequest) *ExtractResult {
	result := &ExtractResult{}
	if req.Marker == "" {
		req.Marker = DefaultExtractMarker
	}

	text, provider, model, err := e.generate(ctx, req)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	if runes := []rune(text); len(runes) > e.maxChars {
		text = string(runes[:e.maxChars])
	}
	result.RawText = text
	result.Provider = provider
	result.Model = model

	candidates, parseErr := extractJSONCandidates(text)
	if parseErr != "" {
		result.Err = parseErr
		return result
	}

	if len(candidates) > e.maxItems {
		candidates = candidates[:e.maxItems]
	}
	for _, candidate := range candidates {
		normalized := e.normalizeCandidate(candidate, req)

		value, _ := normalized["value"].(string)
		redacted, notes := e.policy.ApplyRedactions(value)
		normalized["value"] = redacted
		if len(notes) > 0 {
			normalized["redactions"] = notes
			result.RedactedCount++
		}
		if redacted == "" || RedactedToEmpty(redacted) {
			result.RejectedCount++
			continue
		}

		item, err := itemFromMap(normalized)
		if err != nil {
			result.RejectedCount++
			result.Err = err.Error()
			continue
		}
		if err := item.Validate(); err != nil {
			result.RejectedCount++
			result.Err = err.Error()
			continue
		}
		if ok, reason := e.policy.ShouldStore(item); !ok {
			result.RejectedCount++
			result.Err = reason
			continue
		}
		result.AcceptedItems = append(result.AcceptedItems, item)
	}

	if len(result.AcceptedItems) == 0 && result.Err == "" {
		result.Err = "no_items_accepted"
	}
	return result
}

// extractJSONCandidates parses model output into candidate objects. A bare
// list yields its object entries, an object yields its "items" list when one
// exists or itself otherwise. When the full text does not parse, the
// outermost [..] then {..} spans are retried before giving up.
func extractJSONCandidates(text string) ([]map[string]any, string) {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return nil, "empty_output"
	}

	parse := func(candidate string) ([]map[string]any, string) {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
			return nil, "json_parse_failed"
		}
		switch v := parsed.(type) {
		case []any:
			var out []map[string]any
			for _, entry := range v {
				if m, ok := entry.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out, ""
		case map[string]any:
			if items, ok := v["items"].([]any); ok {
				var out []map[string]any
				for _, entry := range items {
					if m, ok := entry.(map[string]any); ok {
						out = append(out, m)
					}
				}
				return out, ""
			}
			return []map[string]any{v}, ""
		default:
			return nil, "unexpected_shape"
		}
	}

	candidates, errReason := parse(stripped)
	if len(candidates) > 0 {
		return candidates, ""
	}
	if first, last := strings.Index(stripped, "["), strings.LastIndex(stripped, "]"); first >= 0 && first < last {
		if recovered, reason := parse(stripped[first : last+1]); len(recovered) > 0 {
			return recovered, ""
		} else if reason != "" {
			errReason = reason
		}
	}
	if first, last := strings.Index(stripped, "{"), strings.LastIndex(stripped, "}"); first >= 0 && first < last {
		if recovered, reason := parse(stripped[first : last+1]); len(recovered) > 0 {
			return recovered, ""
		} else if reason != "" {
			errReason = reason
		}
	}
	return nil, errReason
}

// normalizeCandidate fills the fields models routinely omit so validation
// and policy checks see a complete item.
func (e *LLMExtractor) normalizeCandidate(candidate map[string]any, req ExtractRequest) map[string]any {
	normalized := make(map[string]any, len(candidate)+8)
	for k, v := range candidate {
		normalized[k] = v
	}
	setDefault := func(key string, value any) {
		if existing, ok := normalized[key]; !ok || existing == nil || existing == "" {
			normalized[key] = value
		}
	}

	setDefault("schema_name", SchemaMemoryItem)
	setDefault("schema_version", SchemaVersion)
	setDefault("ts", protocol.NowRFC3339())
	if ts, _ := normalized["ts"].(string); ts == "" {
		normalized["ts"] = protocol.NowRFC3339()
	} else if _, err := protocol.ParseTS(ts); err != nil {
		normalized["ts"] = protocol.NowRFC3339()
	}

	subject := req.PersonaID
	if subject == "" {
		subject = req.DisplayName
	}
	if subject == "" {
		subject = "room"
	}
	setDefault("subject", subject)
	setDefault("category", "room_lore")

	confidence := 0.5
	switch v := normalized["confidence"].(type) {
	case float64:
		confidence = v
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			confidence = 0.0
		} else {
			confidence = parsed
		}
	case nil:
	default:
		confidence = 0.0
	}
	normalized["confidence"] = max(0.0, min(1.0, confidence))

	ttl, hasTTL := intFromAny(normalized["ttl_days"])
	switch {
	case hasTTL:
		normalized["ttl_days"] = ttl
	case e.policy.TTLDaysDefault != nil:
		normalized["ttl_days"] = *e.policy.TTLDaysDefault
	default:
		delete(normalized, "ttl_days")
	}

	switch v := normalized["value"].(type) {
	case string:
		normalized["value"] = truncateRunes(strings.TrimSpace(v), 256)
	case nil:
		normalized["value"] = ""
	default:
		normalized["value"] = truncateRunes(fmt.Sprint(v), 256)
	}

	scope, _ := normalized["scope"].(string)
	scopeKey, _ := normalized["scope_key"].(string)
	if scope == "" || strings.TrimSpace(scopeKey) == "" {
		scope, scopeKey = e.policy.DeriveScope(req.RoomID, req.PersonaID, req.UserID, e.scopeUserEnabled)
		normalized["scope"] = scope
		normalized["scope_key"] = scopeKey
	} else {
		normalized["scope_key"] = strings.TrimSpace(
			strings.NewReplacer("\n", " ", "\r", " ").Replace(scopeKey))
	}

	source, ok := normalized["source"].(map[string]any)
	if !ok {
		source = map[string]any{}
	}
	sourceDefault := func(key, value string) {
		if existing, ok := source[key]; !ok || existing == nil || existing == "" {
			source[key] = value
		}
	}
	sourceDefault("kind", "chat_message")
	sourceDefault("message_id", req.MessageID)
	sourceDefault("user_id", req.UserID)
	origin := req.Origin
	if origin == "" {
		origin = "human"
	}
	sourceDefault("origin", origin)
	normalized["source"] = source

	if id, _ := normalized["id"].(string); id == "" {
		seed := fmt.Sprintf("%s:%s:%v:%v", req.RoomID, req.PersonaID, normalized["value"], normalized["ts"])
		normalized["id"] = det.SHA256Hex(seed)[:16]
	}
	return normalized
}

func itemFromMap(m map[string]any) (*Item, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("memory: encode candidate: %w", err)
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("memory: decode candidate: %w", err)
	}
	return &item, nil
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(parsed), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
