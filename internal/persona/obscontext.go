package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
	"github.com/chorus-chat/chorus/pkg/genai"
)

// ObsContextConfig controls how buffered stream observations are rendered
// into the context block injected into persona prompts.
type ObsContextConfig struct {
	MaxItems        int    `json:"max_items"`
	MaxAgeMS        int64  `json:"max_age_ms"`
	MaxChars        int    `json:"max_chars"`
	IncludeTags     bool   `json:"include_tags"`
	IncludeEntities bool   `json:"include_entities"`
	IncludeHype     bool   `json:"include_hype"`
	IncludeTS       bool   `json:"include_ts"`
	FormatVersion   string `json:"format_version"`
	Prefix          string `json:"prefix"`
	Header          string `json:"header"`
	LineTemplate    string `json:"line_template"`
	TruncateSuffix  string `json:"truncate_suffix"`
}

// DefaultObsContextConfig returns the built-in formatting settings.
func DefaultObsContextConfig() ObsContextConfig {
	return ObsContextConfig{
		MaxItems:        3,
		MaxAgeMS:        45_000,
		MaxChars:        600,
		IncludeTags:     true,
		IncludeEntities: true,
		IncludeHype:     true,
		IncludeTS:       true,
		FormatVersion:   "v1",
		Prefix:          "OBS:",
		Header:          "recent stream activity:",
		LineTemplate:    "{prefix}{ts}{summary}{tags}{entities}{hype}",
		TruncateSuffix:  "…",
	}
}

// ObsContextResult is a rendered observation block with the ids it covers.
type ObsContextResult struct {
	ContextText    string
	IncludedObsIDs []string
	CharsIncluded  int
}

var lineTemplatePlaceholder = regexp.MustCompile(`\{(\w+)\}`)

var lineTemplateKeys = map[string]bool{
	"prefix": true, "ts": true, "summary": true,
	"tags": true, "entities": true, "hype": true,
}

// LoadObsContextConfig reads the JSON formatting config over the defaults.
func LoadObsContextConfig(path string) (ObsContextConfig, error) {
	cfg := DefaultObsContextConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("persona: observation context config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("persona: observation context config %q: %w", path, err)
	}
	if cfg.FormatVersion != "v1" {
		return cfg, fmt.Errorf("persona: unsupported observation context format_version: %s", cfg.FormatVersion)
	}
	for _, match := range lineTemplatePlaceholder.FindAllStringSubmatch(cfg.LineTemplate, -1) {
		if !lineTemplateKeys[match[1]] {
			return cfg, fmt.Errorf("persona: invalid observation context line_template: unknown placeholder %s", match[1])
		}
	}
	return cfg, nil
}

func redisIDMS(redisID string) (int64, bool) {
	if redisID == "" {
		return 0, false
	}
	head, _, _ := strings.Cut(redisID, "-")
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// DeriveObservationTSMS resolves an observation's timestamp: its own ts
// field first, then the stream entry id, then the fallback.
func DeriveObservationTSMS(obs *protocol.StreamObservation, redisID string, fallbackMS int64) int64 {
	if obs != nil && obs.TS != "" {
		if ts, err := protocol.ParseTS(obs.TS); err == nil {
			return ts.UnixMilli()
		}
	}
	if ms, ok := redisIDMS(redisID); ok {
		return ms
	}
	if fallbackMS > 0 {
		return fallbackMS
	}
	return time.Now().UnixMilli()
}

func entryTSLabel(entry state.ObservationEntry) string {
	if entry.Observation != nil && strings.TrimSpace(entry.Observation.TS) != "" {
		return strings.TrimSpace(entry.Observation.TS)
	}
	ms := entry.TSMS
	if redisMS, ok := redisIDMS(entry.EntryID); ok {
		ms = redisMS
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05Z")
}

func entryObsID(entry state.ObservationEntry) string {
	if entry.Observation != nil && entry.Observation.ID != "" {
		return entry.Observation.ID
	}
	return entry.EntryID
}

func joinClean(items []string) string {
	var cleaned []string
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			cleaned = append(cleaned, genai.SanitizeText(item))
		}
	}
	return strings.Join(cleaned, ",")
}

func formatObservationLine(entry state.ObservationEntry, cfg ObsContextConfig) string {
	obs := entry.Observation
	summary := ""
	if obs != nil {
		summary = genai.SanitizeText(obs.Summary)
	}
	if summary == "" {
		summary = "(no transcript)"
	}

	prefixSegment := ""
	if cfg.Prefix != "" {
		prefixSegment = cfg.Prefix + " "
	}
	tsSegment := ""
	if cfg.IncludeTS {
		if label := entryTSLabel(entry); label != "" {
			tsSegment = label + " | "
		}
	}
	tagsSegment := ""
	if cfg.IncludeTags && obs != nil {
		if joined := joinClean(obs.Tags); joined != "" {
			tagsSegment = " | tags=" + joined
		}
	}
	entitiesSegment := ""
	if cfg.IncludeEntities && obs != nil {
		if joined := joinClean(obs.Entities); joined != "" {
			entitiesSegment = " | entities=" + joined
		}
	}
	hypeSegment := ""
	if cfg.IncludeHype && obs != nil {
		hypeSegment = fmt.Sprintf(" | hype=%.2f", obs.HypeLevel)
	}

	line := strings.NewReplacer(
		"{prefix}", prefixSegment,
		"{ts}", tsSegment,
		"{summary}", summary,
		"{tags}", tagsSegment,
		"{entities}", entitiesSegment,
		"{hype}", hypeSegment,
	).Replace(cfg.LineTemplate)
	return strings.TrimSpace(line)
}

func truncateBlock(text string, maxChars int, suffix string) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	if suffix == "" {
		return string(runes[:maxChars])
	}
	suffixRunes := []rune(suffix)
	if maxChars <= len(suffixRunes) {
		return string(suffixRunes[:maxChars])
	}
	return string(runes[:maxChars-len(suffixRunes)]) + suffix
}

// FormatObservationContext renders the room's buffered observations into the
// prompt block, newest first, bounded by item count, age and characters.
func FormatObservationContext(entries []state.ObservationEntry, roomID string, referenceTSMS int64, cfg ObsContextConfig) ObsContextResult {
	if len(entries) == 0 || cfg.MaxItems <= 0 || cfg.MaxChars <= 0 {
		return ObsContextResult{}
	}

	type scored struct {
		tsMS  int64
		entry state.ObservationEntry
	}
	var filtered []scored
	for _, entry := range entries {
		if entry.Observation == nil || entry.Observation.RoomID != roomID {
			continue
		}
		tsMS := DeriveObservationTSMS(entry.Observation, entry.EntryID, entry.TSMS)
		if cfg.MaxAgeMS >= 0 && referenceTSMS-tsMS > cfg.MaxAgeMS {
			continue
		}
		filtered = append(filtered, scored{tsMS: tsMS, entry: entry})
	}
	if len(filtered) == 0 {
		return ObsContextResult{}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].tsMS != filtered[j].tsMS {
			return filtered[i].tsMS > filtered[j].tsMS
		}
		return entryObsID(filtered[i].entry) < entryObsID(filtered[j].entry)
	})
	if len(filtered) > cfg.MaxItems {
		filtered = filtered[:cfg.MaxItems]
	}

	lines := make([]string, 0, len(filtered))
	ids := make([]string, 0, len(filtered))
	for _, item := range filtered {
		ids = append(ids, entryObsID(item.entry))
		lines = append(lines, formatObservationLine(item.entry, cfg))
	}

	block := strings.Join(lines, "\n")
	if cfg.Header != "" {
		block = cfg.Header + "\n" + block
	}
	truncated := truncateBlock(block, cfg.MaxChars, cfg.TruncateSuffix)
	return ObsContextResult{
		ContextText:    truncated,
		IncludedObsIDs: ids,
		CharsIncluded:  len([]rune(truncated)),
	}
}
