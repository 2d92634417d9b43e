package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
	"github.com/chorus-chat/chorus/pkg/det"
)

// Auto-commentary suppression reasons beyond the state-owned momentum ones.
const (
	AutoReasonNotInteresting    = "not_interesting"
	AutoReasonRoomRate          = "room_rate"
	AutoReasonMaxPerObservation = "max_per_observation"
	AutoReasonSummaryDedupe     = "summary_dedupe"
	AutoReasonPersonaCooldown   = "persona_cooldown"
	AutoReasonOK                = "ok"
)

// InterestWeights weigh the observation features in the interest score.
type InterestWeights struct {
	Hype     float64 `json:"hype"`
	Mentions float64 `json:"mentions"`
	Entities float64 `json:"entities"`
	TagHype  float64 `json:"tag_hype"`
}

// SummaryDedupe suppresses repeated commentary on near-identical summaries.
type SummaryDedupe struct {
	Enabled   bool  `json:"enabled"`
	TTLMS     int64 `json:"ttl_ms"`
	Normalize bool  `json:"normalize"`
}

// PersonaDiversity avoids the same persona speaking repeatedly.
type PersonaDiversity struct {
	AvoidRepeatLastN int `json:"avoid_repeat_last_n"`
}

// MentionTargeting boosts personas the observation names.
type MentionTargeting struct {
	Enabled bool    `json:"enabled"`
	Boost   float64 `json:"boost"`
}

// AutoConfig is the JSON auto-commentary configuration.
type AutoConfig struct {
	Enabled                  bool             `json:"enabled"`
	RoomIDMode               string           `json:"room_id_mode"`
	HypeThreshold            float64          `json:"hype_threshold"`
	TriggerTags              []string         `json:"trigger_tags"`
	TriggerOnEntities        bool             `json:"trigger_on_entities"`
	PersonaCooldownMS        int64            `json:"persona_cooldown_ms"`
	RoomRateLimitMS          int64            `json:"room_rate_limit_ms"`
	MaxMessagesPerObs        int              `json:"max_messages_per_observation"`
	DedupeWindowMS           int64            `json:"dedupe_window_ms"`
	MomentumWindowMS         int64            `json:"momentum_window_ms"`
	MomentumMaxMsgs          int              `json:"momentum_max_msgs"`
	MomentumMinIntervalMS    int64            `json:"momentum_min_interval_ms"`
	InterestWeights          InterestWeights  `json:"interest_weights"`
	SummaryDedupe            SummaryDedupe    `json:"summary_dedupe"`
	PersonaDiversity         PersonaDiversity `json:"persona_diversity"`
	MentionTargeting         MentionTargeting `json:"mention_targeting"`
	PromptID                 string           `json:"prompt_id"`
	MessagePrefix            string           `json:"message_prefix"`
	MaxReplyChars            int              `json:"max_reply_chars"`
	IncludeObsID             bool             `json:"include_obs_id"`
}

// DefaultAutoConfig returns the built-in auto-commentary settings with the
// feature disabled.
func DefaultAutoConfig() AutoConfig {
	return AutoConfig{
		RoomIDMode:            "observation",
		HypeThreshold:         0.6,
		TriggerTags:           []string{"hype"},
		PersonaCooldownMS:     8000,
		RoomRateLimitMS:       4000,
		MaxMessagesPerObs:     1,
		DedupeWindowMS:        60_000,
		MomentumWindowMS:      30_000,
		MomentumMaxMsgs:       3,
		MomentumMinIntervalMS: 5000,
		InterestWeights:       InterestWeights{Hype: 1.0, Mentions: 0.5, Entities: 0.25, TagHype: 0.25},
		SummaryDedupe:         SummaryDedupe{Enabled: true, TTLMS: 120_000, Normalize: true},
		PersonaDiversity:      PersonaDiversity{AvoidRepeatLastN: 2},
		MentionTargeting:      MentionTargeting{Enabled: true, Boost: 0.5},
		PromptID:              "persona_auto_commentary_v1",
		MessagePrefix:         "",
		MaxReplyChars:         220,
	}
}

// LoadAutoConfig reads the JSON auto-commentary config over the defaults.
func LoadAutoConfig(path string) (AutoConfig, error) {
	cfg := DefaultAutoConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("persona: auto commentary config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("persona: auto commentary config %q: %w", path, err)
	}
	cfg.TriggerTags = normalizeTokens(cfg.TriggerTags)
	switch cfg.RoomIDMode {
	case "observation", "config":
	default:
		return cfg, fmt.Errorf("persona: auto commentary room_id_mode %q invalid; valid values: observation, config", cfg.RoomIDMode)
	}
	return cfg, nil
}

var nonWordOrSpaceRun = regexp.MustCompile(`[^\w\s]`)
var spaceRun = regexp.MustCompile(`\s+`)

func normalizeTokens(items []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range items {
		cleaned := strings.ToLower(strings.TrimSpace(item))
		if cleaned == "" || seen[cleaned] {
			continue
		}
		out = append(out, cleaned)
		seen[cleaned] = true
	}
	return out
}

func normalizeSummary(text string, normalize bool) string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return ""
	}
	if normalize {
		cleaned = strings.ToLower(cleaned)
		cleaned = nonWordOrSpaceRun.ReplaceAllString(cleaned, " ")
	}
	return strings.TrimSpace(spaceRun.ReplaceAllString(cleaned, " "))
}

// ComputeSummaryHash hashes the (optionally normalized) summary for dedupe.
// Empty summaries hash to "".
func ComputeSummaryHash(obs *protocol.StreamObservation, cfg AutoConfig) string {
	normalized := normalizeSummary(obs.Summary, cfg.SummaryDedupe.Normalize)
	if normalized == "" {
		return ""
	}
	return det.SHA256Hex(normalized)
}

// ComputeInterestScore scores an observation by hype level, entity count
// and the hype tag.
func ComputeInterestScore(obs *protocol.StreamObservation, cfg AutoConfig) float64 {
	hype := obs.HypeLevel
	if hype < 0 {
		hype = 0
	}
	if hype > 1 {
		hype = 1
	}
	tags := map[string]bool{}
	for _, tag := range normalizeTokens(obs.Tags) {
		tags[tag] = true
	}
	entities := normalizeTokens(obs.Entities)

	score := hype * cfg.InterestWeights.Hype
	if len(entities) > 0 {
		score += cfg.InterestWeights.Mentions
		entityFactor := float64(min(len(entities), 3)) / 3.0
		score += entityFactor * cfg.InterestWeights.Entities
	}
	if tags["hype"] {
		score += cfg.InterestWeights.TagHype
	}
	return score
}

func isInteresting(obs *protocol.StreamObservation, cfg AutoConfig, score float64) (bool, string) {
	if obs.HypeLevel >= cfg.HypeThreshold {
		return true, "hype"
	}
	if len(cfg.TriggerTags) > 0 {
		tags := map[string]bool{}
		for _, tag := range normalizeTokens(obs.Tags) {
			tags[tag] = true
		}
		for _, trigger := range cfg.TriggerTags {
			if tags[trigger] {
				return true, "tag"
			}
		}
	}
	if cfg.TriggerOnEntities {
		for _, ent := range obs.Entities {
			if strings.TrimSpace(ent) != "" {
				return true, "entities"
			}
		}
	}
	if score >= cfg.HypeThreshold {
		return true, "score"
	}
	return false, AutoReasonNotInteresting
}

// ShouldEmit runs the auto-commentary gate chain for an observation.
// Returns (emit, reason, interest score).
func ShouldEmit(obs *protocol.StreamObservation, st *state.State, cfg AutoConfig, nowMS int64) (bool, string, float64) {
	score := ComputeInterestScore(obs, cfg)
	if interesting, reason := isInteresting(obs, cfg, score); !interesting {
		return false, reason, score
	}

	if ok, reason := st.AutoMomentumReady(obs.RoomID, nowMS, cfg.MomentumWindowMS, cfg.MomentumMaxMsgs, cfg.MomentumMinIntervalMS); !ok {
		return false, reason, score
	}
	if !st.AutoRoomReady(obs.RoomID, nowMS, cfg.RoomRateLimitMS) {
		return false, AutoReasonRoomRate, score
	}
	if cfg.MaxMessagesPerObs > 0 && obs.ID != "" {
		if st.AutoObservationCount(obs.ID, nowMS, cfg.DedupeWindowMS) >= cfg.MaxMessagesPerObs {
			return false, AutoReasonMaxPerObservation, score
		}
	}
	if cfg.SummaryDedupe.Enabled {
		if hash := ComputeSummaryHash(obs, cfg); hash != "" && st.AutoSummarySeenBefore(hash, nowMS, cfg.SummaryDedupe.TTLMS) {
			return false, AutoReasonSummaryDedupe, score
		}
	}
	return true, AutoReasonOK, score
}

var wordBoundaryCache = map[string]*regexp.Regexp{}

func personaWordPattern(personaID string) *regexp.Regexp {
	if re, ok := wordBoundaryCache[personaID]; ok {
		return re
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(personaID) + `\b`)
	wordBoundaryCache[personaID] = re
	return re
}

func extractMentionedPersonas(obs *protocol.StreamObservation, personaIDs []string) map[string]bool {
	entitySet := map[string]bool{}
	for _, ent := range normalizeTokens(obs.Entities) {
		entitySet[ent] = true
	}
	summary := strings.ToLower(obs.Summary)
	mentioned := map[string]bool{}
	for _, personaID := range personaIDs {
		pid := strings.ToLower(personaID)
		if entitySet[pid] || strings.Contains(summary, "@"+pid) || personaWordPattern(pid).MatchString(summary) {
			mentioned[personaID] = true
		}
	}
	return mentioned
}

// PickPersona deterministically selects the speaking persona for an
// observation, honoring diversity and mention targeting. The returned
// reason is one of mention_targeted, diversity_filtered,
// diversity_fallback, deterministic, or no_persona.
func PickPersona(obs *protocol.StreamObservation, st *state.State, cfg AutoConfig, enabledPersonas []string) (string, string) {
	idSet := map[string]bool{}
	for _, pid := range enabledPersonas {
		if strings.TrimSpace(pid) != "" {
			idSet[pid] = true
		}
	}
	if len(idSet) == 0 {
		return "", "no_persona"
	}
	personaIDs := make([]string, 0, len(idSet))
	for pid := range idSet {
		personaIDs = append(personaIDs, pid)
	}
	sort.Strings(personaIDs)

	seedBase := obs.ID
	if seedBase == "" {
		seedBase = obs.Summary
	}
	if seedBase == "" {
		seedBase = "obs"
	}

	candidates := personaIDs
	diversityReason := "deterministic"
	if n := cfg.PersonaDiversity.AvoidRepeatLastN; n > 0 {
		recent := map[string]bool{}
		for _, pid := range st.AutoRecentPersonas(obs.RoomID, n) {
			recent[pid] = true
		}
		var filtered []string
		for _, pid := range personaIDs {
			if !recent[pid] {
				filtered = append(filtered, pid)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
			diversityReason = "diversity_filtered"
		} else {
			diversityReason = "diversity_fallback"
		}
	}

	var mentioned map[string]bool
	if cfg.MentionTargeting.Enabled {
		mentioned = extractMentionedPersonas(obs, personaIDs)
	}

	bestID := ""
	bestScore := -1.0
	for _, personaID := range candidates {
		score := det.Unit(seedBase + ":" + obs.RoomID + ":" + personaID)
		if mentioned[personaID] {
			score += cfg.MentionTargeting.Boost
		}
		if score > bestScore || (score == bestScore && (bestID == "" || personaID < bestID)) {
			bestScore = score
			bestID = personaID
		}
	}
	if bestID == "" {
		return "", "no_persona"
	}
	if mentioned[bestID] {
		return bestID, "mention_targeted"
	}
	return bestID, diversityReason
}
