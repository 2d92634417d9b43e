// Package stub implements the deterministic llm.Provider used by development
// and end-to-end runs. Replies are derived from fixtures and hashes of the
// request, so a given input always yields the same output.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/chorus-chat/chorus/pkg/det"
	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// Key strategies for fixture lookup.
const (
	KeyStrategyPersonaMarker = "persona_marker"
	KeyStrategyMarkerOnly    = "marker_only"
)

// Request markers that switch the stub into a structured-response mode.
const (
	memoryExtractMarker = "MEMORY EXTRACTION REQUEST"
	streamObsMarker     = "STREAM OBSERVATION REQUEST"
)

var markerTokens = []string{"E2E_TEST_BOTLOOP_", "E2E_TEST_POLICY_", "E2E_TEST_", "E2E_MARKER_"}

// Provider is the deterministic backend.
type Provider struct {
	fixtures        map[string]string
	defaultResponse string
	keyStrategy     string
	maxOutputChars  int
	name            string
}

type fixturesFile struct {
	Cases []struct {
		Key      string `json:"key"`
		Response string `json:"response"`
	} `json:"cases"`
}

// New loads fixtures and returns a provider. keyStrategy selects how fixture
// keys are derived from requests; persona_marker is the default.
func New(fixturesPath, defaultResponse, keyStrategy string, maxOutputChars int) (*Provider, error) {
	raw, err := os.ReadFile(fixturesPath)
	if err != nil {
		return nil, fmt.Errorf("stub: read fixtures: %w", err)
	}
	var file fixturesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("stub: decode fixtures %s: %w", fixturesPath, err)
	}
	fixtures := make(map[string]string, len(file.Cases))
	for _, c := range file.Cases {
		fixtures[c.Key] = c.Response
	}
	if defaultResponse == "" {
		defaultResponse = "ok"
	}
	if keyStrategy == "" {
		keyStrategy = KeyStrategyPersonaMarker
	}
	if maxOutputChars <= 0 {
		maxOutputChars = 200
	}
	return &Provider{
		fixtures:        fixtures,
		defaultResponse: defaultResponse,
		keyStrategy:     keyStrategy,
		maxOutputChars:  maxOutputChars,
		name:            "stub",
	}, nil
}

// Describe implements llm.Provider.
func (p *Provider) Describe() string { return p.name }

// Generate implements llm.Provider. Structured request markers in the
// rendered prompts take precedence, then the chatty prompt templates, then
// fixture lookup.
func (p *Provider) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	started := time.Now()
	haystack := req.SystemPrompt + "\n" + req.UserPrompt

	if strings.Contains(haystack, streamObsMarker) {
		text, err := buildStreamObservationResponse(req)
		if err != nil {
			return nil, err
		}
		return p.response(text, "stub", map[string]any{"mode": "stream_observation"}, started), nil
	}
	if strings.Contains(haystack, memoryExtractMarker) {
		text, err := buildMemoryExtractResponse(req)
		if err != nil {
			return nil, err
		}
		return p.response(text, "stub", map[string]any{"mode": "memory_extract"}, started), nil
	}
	if req.PromptID == "persona_chat_reply_v2" || req.PromptID == "persona_auto_commentary_v1" {
		text := p.buildChattyReply(req)
		return p.response(text, "stub", map[string]any{"mode": "chatty_stub", "prompt_id": req.PromptID}, started), nil
	}

	key := p.resolveKey(req)
	raw, ok := p.fixtures[key]
	if !ok {
		raw = p.defaultResponse
	}
	text := llm.CleanText(raw, p.maxOutputChars)
	return p.response(text, "", map[string]any{"key": key}, started), nil
}

func (p *Provider) response(text, model string, meta map[string]any, started time.Time) *llm.Response {
	return &llm.Response{
		Text:      text,
		Provider:  p.name,
		Model:     model,
		LatencyMS: time.Since(started).Milliseconds(),
		Meta:      meta,
	}
}

// markerPrefix extracts the forcing token plus its 12-character payload, or
// the first 16 characters when no known token is present.
func markerPrefix(marker string) string {
	for _, token := range markerTokens {
		if idx := strings.Index(marker, token); idx >= 0 {
			end := idx + len(token) + 12
			if end > len(marker) {
				end = len(marker)
			}
			return marker[idx:end]
		}
	}
	if len(marker) > 16 {
		return marker[:16]
	}
	return marker
}

func (p *Provider) resolveKey(req llm.Request) string {
	if p.keyStrategy == KeyStrategyMarkerOnly {
		if req.Marker != "" {
			if prefix := markerPrefix(req.Marker); prefix != "" {
				return prefix
			}
		}
		return "DEFAULT"
	}
	prefix := ""
	if req.Marker != "" {
		prefix = markerPrefix(req.Marker)
	}
	if prefix != "" {
		base := req.PersonaID + "::" + prefix
		if _, ok := p.fixtures[base]; ok {
			return base
		}
		candidate := req.PersonaID + "::E2E_TEST_"
		if _, ok := p.fixtures[candidate]; ok && strings.HasPrefix(prefix, "E2E_TEST_") {
			return candidate
		}
	}
	return req.PersonaID + "::DEFAULT"
}

// ---- chatty replies ----

var e2eObsTokens = []string{"E2E_REACTIVITY_OBS", "E2E_AUTO_OBS"}

func extractE2EToken(text string) string {
	for _, token := range e2eObsTokens {
		if strings.Contains(text, token) {
			return token
		}
	}
	for _, token := range markerTokens {
		if idx := strings.Index(text, token); idx >= 0 {
			end := idx + len(token) + 12
			if end > len(text) {
				end = len(text)
			}
			return text[idx:end]
		}
	}
	return ""
}

func normalizeSummary(text string) string {
	flat := strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
	cleaned := strings.TrimSpace(whitespaceRun.ReplaceAllString(flat, " "))
	if cleaned == "" {
		return ""
	}
	return strings.ReplaceAll(cleaned, "OBS:", "OBS")
}

func (p *Provider) buildChattyReply(req llm.Request) string {
	summaryRaw := extractObservationSummary(req.ObservationSummary, req.ObservationContext)
	summary := normalizeSummary(summaryRaw)
	token := extractE2EToken(summary)
	if token == "" && req.Marker != "" {
		token = markerPrefix(req.Marker)
	}
	rest := summary
	if token != "" {
		rest = strings.Trim(strings.ReplaceAll(summary, token, ""), " :-,")
	}
	if rest == "" {
		rest = "wild"
	}
	var parts []string
	for _, part := range []string{rest, token} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	core := strings.TrimSpace(strings.Join(parts, " "))

	seed := fmt.Sprintf("%s:%s:%s:%s", req.PersonaID, req.PromptID, token, rest)
	var reply string
	if req.PromptID == "persona_chat_reply_v2" {
		suffixes := []string{"lol", "yo", "sheesh", "lfg", "no shot"}
		reply = strings.TrimSpace(core + " " + suffixes[det.Index(seed, len(suffixes))])
	} else {
		prefixes := []string{"sheesh", "yo", "no way", "lmao", "wtf"}
		reply = strings.TrimSpace(prefixes[det.Index(seed, len(prefixes))] + " " + core)
	}
	return llm.CleanText(reply, p.maxOutputChars)
}

var tsPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}t`)

// extractObservationSummary pulls the human-readable summary part out of a
// rendered observation line. The first context line is skipped when it looks
// like a heading rather than an observation entry.
func extractObservationSummary(summary, context string) string {
	if strings.TrimSpace(summary) != "" {
		return summary
	}
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
			if tsPrefix.MatchString(lower) {
				continue
			}
			return part
		}
	}
	return ""
}

// ---- memory extraction ----

var streamerName = regexp.MustCompile(`(?i)streamer is called\s+([A-Za-z0-9_()\-]+)`)

func buildMemoryExtractResponse(req llm.Request) (string, error) {
	value := "Captain"
	if m := streamerName.FindStringSubmatch(req.Content); m != nil {
		value = m[1]
	}
	item := map[string]any{
		"schema_name":    "MemoryItem",
		"schema_version": "1.0.0",
		"id":             "memory_stub_streamer",
		"ts":             "2024-01-01T00:00:00Z",
		"category":       "room_lore",
		"subject":        "streamer_name",
		"value":          value,
		"confidence":     0.9,
		"ttl_days":       14,
		"source": map[string]any{
			"kind":       "chat_message",
			"message_id": nil,
			"user_id":    nil,
			"origin":     "human",
		},
	}
	raw, err := json.Marshal([]map[string]any{item})
	if err != nil {
		return "", fmt.Errorf("stub: encode memory extract: %w", err)
	}
	return string(raw), nil
}

// ---- stream observations ----

type stubPayload struct {
	Frame         map[string]any   `json:"frame"`
	Transcripts   []map[string]any `json:"transcripts"`
	PromptID      string           `json:"prompt_id"`
	PromptSHA256  string           `json:"prompt_sha256"`
	TraceTemplate map[string]any   `json:"trace_template"`
}

// stubObservation mirrors the observation wire order with a free-form trace
// so template fields pass through untouched.
type stubObservation struct {
	SchemaName    string         `json:"schema_name"`
	SchemaVersion string         `json:"schema_version"`
	ID            string         `json:"id"`
	TS            string         `json:"ts"`
	RoomID        string         `json:"room_id"`
	FrameID       string         `json:"frame_id"`
	FrameSHA256   string         `json:"frame_sha256"`
	TranscriptIDs []string       `json:"transcript_ids"`
	Summary       string         `json:"summary"`
	Tags          []string       `json:"tags"`
	Entities      []string       `json:"entities"`
	HypeLevel     float64        `json:"hype_level"`
	Safety        map[string]any `json:"safety"`
	Trace         map[string]any `json:"trace"`
}

func extractPayloadJSON(userPrompt string) *stubPayload {
	const marker = "PAYLOAD_JSON:"
	idx := strings.Index(userPrompt, marker)
	if idx < 0 {
		return nil
	}
	raw := strings.TrimSpace(userPrompt[idx+len(marker):])
	if raw == "" {
		return nil
	}
	var payload stubPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return &payload
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_]{1,64})`)

func buildStreamObservationResponse(req llm.Request) (string, error) {
	payload := extractPayloadJSON(req.UserPrompt)
	if payload == nil {
		payload = &stubPayload{}
	}

	promptID := payload.PromptID
	if promptID == "" {
		promptID = "stream_observation_v1"
	}
	trace := map[string]any{}
	for k, v := range payload.TraceTemplate {
		trace[k] = v
	}
	traceDefault := func(key string, value any) {
		if _, ok := trace[key]; !ok {
			trace[key] = value
		}
	}
	traceDefault("provider", "stub")
	traceDefault("model", "stub")
	traceDefault("latency_ms", 1)
	traceDefault("prompt_id", promptID)
	traceDefault("prompt_sha256", payload.PromptSHA256)

	frameID := "frame"
	if v, ok := payload.Frame["id"].(string); ok && v != "" {
		frameID = v
	}
	roomID := req.RoomID
	if v, ok := payload.Frame["room_id"].(string); ok && v != "" {
		roomID = v
	}
	if roomID == "" {
		roomID = "room:demo"
	}
	ts := "2024-01-01T00:00:00Z"
	switch v := payload.Frame["ts"].(type) {
	case string:
		ts = v
	case float64:
		ts = time.UnixMilli(int64(v)).UTC().Format("2006-01-02T15:04:05.999999999Z07:00")
	}
	frameSHA := ""
	if v, ok := payload.Frame["sha256"].(string); ok {
		frameSHA = v
	}

	transcriptIDs := []string{}
	var transcriptTexts []string
	for _, seg := range payload.Transcripts {
		if id, ok := seg["id"].(string); ok && id != "" {
			transcriptIDs = append(transcriptIDs, id)
		}
		if text, ok := seg["text"].(string); ok && strings.TrimSpace(text) != "" {
			transcriptTexts = append(transcriptTexts, strings.TrimSpace(text))
		}
	}
	combined := strings.TrimSpace(strings.Join(transcriptTexts, " "))
	if combined == "" {
		combined = strings.TrimSpace(req.Content)
	}

	summary := strings.TrimSpace(whitespaceRun.ReplaceAllString(
		strings.NewReplacer("\n", " ", "\r", " ").Replace(combined), " "))
	if runes := []rune(summary); len(runes) > 512 {
		summary = string(runes[:511]) + "."
	}

	entities := []string{}
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(combined, -1) {
		if m[1] != "" && !seen[m[1]] {
			seen[m[1]] = true
			entities = append(entities, m[1])
		}
	}

	exclamations := strings.Count(combined, "!")
	hype := float64(exclamations) / 5.0
	hype = float64(int(hype*100+0.5)) / 100
	if hype > 1.0 {
		hype = 1.0
	}

	tags := []string{}
	if strings.Contains(combined, "E2E_TEST_STREAM") {
		tags = append(tags, "e2e")
	}
	if strings.Contains(strings.ToLower(combined), "dragon") {
		tags = append(tags, "dragon")
	}
	if exclamations > 0 {
		tags = append(tags, "hype")
	}
	if len(entities) > 0 {
		tags = append(tags, "mentions")
	}

	if summary == "" {
		summary = "(no transcript)"
	}
	obsID := "obs_" + det.SHA256Hex(frameID+":"+strings.Join(transcriptIDs, ","))[:16]

	observation := stubObservation{
		SchemaName:    "StreamObservation",
		SchemaVersion: "1.0.0",
		ID:            obsID,
		TS:            ts,
		RoomID:        roomID,
		FrameID:       frameID,
		FrameSHA256:   frameSHA,
		TranscriptIDs: transcriptIDs,
		Summary:       summary,
		Tags:          tags,
		Entities:      entities,
		HypeLevel:     hype,
		Safety: map[string]any{
			"sexual_content": false,
			"violence":       false,
			"self_harm":      false,
			"hate":           false,
			"harassment":     false,
		},
		Trace: trace,
	}
	raw, err := json.Marshal(observation)
	if err != nil {
		return "", fmt.Errorf("stub: encode observation: %w", err)
	}
	return string(raw), nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)
