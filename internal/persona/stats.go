package persona

import (
	"sync"
)

const (
	maxRecentDecisions = 20
	maxRecentMemoryIDs = 10
	maxRecentObsIDs    = 5
)

// Stats collects the worker's observable counters. All methods are safe for
// concurrent use; Snapshot returns a copy for the stats endpoint.
type Stats struct {
	mu sync.Mutex

	MessagesConsumed           int
	MessagesDeduped            int
	MessagesPublished          int
	SuppressedCooldown         int
	SuppressedBudget           int
	SuppressedBotOrigin        int
	lastDecisionReasons        map[string]string
	decisionsByReason          map[string]int
	recentDecisions            []map[string]any
	MemoryEnabled              bool
	MemoryBackend              string
	MemoryPolicyPath           string
	MemoryFixturesPath         string
	MemoryItemsTotal           int
	memoryItemsByScope         map[string]int
	MemoryReadsAttempted       int
	MemoryReadsSucceeded       int
	MemoryReadsFailed          int
	MemoryWritesAttempted      int
	MemoryWritesAccepted       int
	MemoryWritesRejected       int
	MemoryWritesRedacted       int
	MemoryWritesFailed         int
	MemoryExtractStrategy      string
	MemoryLLMProvider          string
	MemoryLLMModel             string
	MemoryExtractLLMAttempted  int
	MemoryExtractLLMSucceeded  int
	MemoryExtractLLMFailed     int
	LastMemoryExtractError     string
	RemoteMemoryBaseURL        string
	lastMemoryReadIDs          []string
	lastMemoryWriteIDs         []string
	LastMemoryError            string
	ObservationsReceived       int
	ObservationsValid          int
	ObservationsInvalid        int
	ObservationsDroppedOld     int
	ObservationsBufferedTotal  int
	ObservationsUsedInPrompts  int
	ObservationsCharsIncluded  int
	obsLastUsedIDs             []string
	ObservationsLastUsedCount  int
	ObservationsLastUsedChars  int
	ObservationsContextPreview string
	ObsContextConfigPath       string
	ObsContextMaxItems         int
	ObsContextMaxAgeMS         int64
	ObsContextMaxChars         int
	ObsContextPrefix           string
	ObsContextFormatVersion    string
	AutoEnabled                bool
	AutoHypeThreshold          float64
	AutoPersonaCooldownMS      int64
	AutoRoomRateLimitMS        int64
	AutoObsSeen                int
	AutoObsInteresting         int
	AutoMessagesAttempted      int
	AutoMessagesPublished      int
	AutoSuppressedCooldown     int
	AutoSuppressedRoomRate     int
	AutoSuppressedDedupe       int
	AutoGenerationFailed       int
	autoLastObservationIDs     []string
	autoLastDecision           map[string]any
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{
		lastDecisionReasons: map[string]string{},
		decisionsByReason:   map[string]int{},
		memoryItemsByScope:  map[string]int{},
	}
}

func appendCapped(items []string, item string, max int) []string {
	items = append(items, item)
	if len(items) > max {
		items = items[len(items)-max:]
	}
	return items
}

// Mutate runs fn under the stats lock for multi-field updates.
func (s *Stats) Mutate(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// RecordDecision tracks one gate outcome for a persona, keeping the last
// reason per persona, per-reason totals and a short decision history.
func (s *Stats) RecordDecision(personaID, reason string, tags map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDecisionReasons[personaID] = reason
	s.decisionsByReason[reason]++
	entry := map[string]any{
		"persona_id": personaID,
		"reason":     reason,
	}
	for key, value := range tags {
		entry[key] = value
	}
	if _, ok := entry["ts_ms"]; !ok {
		entry["ts_ms"] = nil
	}
	s.recentDecisions = append(s.recentDecisions, entry)
	if len(s.recentDecisions) > maxRecentDecisions {
		s.recentDecisions = s.recentDecisions[len(s.recentDecisions)-maxRecentDecisions:]
	}
}

// RecordMemoryReadIDs appends read item ids to the recent-read window.
func (s *Stats) RecordMemoryReadIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.lastMemoryReadIDs = appendCapped(s.lastMemoryReadIDs, id, maxRecentMemoryIDs)
	}
}

// RecordMemoryWriteID appends a written item id to the recent-write window.
func (s *Stats) RecordMemoryWriteID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMemoryWriteIDs = appendCapped(s.lastMemoryWriteIDs, id, maxRecentMemoryIDs)
}

// RecordObservationUse tracks the last prompt context built from observations.
func (s *Stats) RecordObservationUse(ids []string, chars int, preview string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ObservationsUsedInPrompts += len(ids)
	s.ObservationsCharsIncluded += chars
	for _, id := range ids {
		s.obsLastUsedIDs = appendCapped(s.obsLastUsedIDs, id, maxRecentObsIDs)
	}
	s.ObservationsLastUsedCount = len(ids)
	s.ObservationsLastUsedChars = chars
	s.ObservationsContextPreview = preview
}

// RecordAutoDecision tracks the latest auto-commentary decision.
func (s *Stats) RecordAutoDecision(decision map[string]any, obsID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoLastDecision = decision
	if obsID != "" {
		s.autoLastObservationIDs = appendCapped(s.autoLastObservationIDs, obsID, maxRecentObsIDs)
	}
}

// SetMemoryItems records the backend inventory after a fixture load or probe.
func (s *Stats) SetMemoryItems(total int, byScope map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MemoryItemsTotal = total
	s.memoryItemsByScope = byScope
}

// Snapshot renders the stats payload for the HTTP stats endpoint.
func (s *Stats) Snapshot(enabledPersonas []string, roomID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastReasons := make(map[string]string, len(s.lastDecisionReasons))
	for k, v := range s.lastDecisionReasons {
		lastReasons[k] = v
	}
	byReason := make(map[string]int, len(s.decisionsByReason))
	for k, v := range s.decisionsByReason {
		byReason[k] = v
	}
	byScope := make(map[string]int, len(s.memoryItemsByScope))
	for k, v := range s.memoryItemsByScope {
		byScope[k] = v
	}

	return map[string]any{
		"messages_consumed":                   s.MessagesConsumed,
		"messages_deduped":                    s.MessagesDeduped,
		"messages_published":                  s.MessagesPublished,
		"messages_suppressed_cooldown":        s.SuppressedCooldown,
		"messages_suppressed_budget":          s.SuppressedBudget,
		"messages_suppressed_bot_origin":      s.SuppressedBotOrigin,
		"last_decision_reasons":               lastReasons,
		"decisions_by_reason":                 byReason,
		"recent_decisions":                    append([]map[string]any(nil), s.recentDecisions...),
		"enabled_personas":                    enabledPersonas,
		"room_id":                             roomID,
		"memory_enabled":                      s.MemoryEnabled,
		"memory_backend":                      s.MemoryBackend,
		"memory_policy_path":                  s.MemoryPolicyPath,
		"memory_fixtures_path":                s.MemoryFixturesPath,
		"memory_items_total":                  s.MemoryItemsTotal,
		"memory_items_by_scope":               byScope,
		"memory_reads_attempted":              s.MemoryReadsAttempted,
		"memory_reads_succeeded":              s.MemoryReadsSucceeded,
		"memory_reads_failed":                 s.MemoryReadsFailed,
		"memory_writes_attempted":             s.MemoryWritesAttempted,
		"memory_writes_accepted":              s.MemoryWritesAccepted,
		"memory_writes_rejected":              s.MemoryWritesRejected,
		"memory_writes_redacted":              s.MemoryWritesRedacted,
		"memory_writes_failed":                s.MemoryWritesFailed,
		"memory_extract_strategy":             s.MemoryExtractStrategy,
		"memory_llm_provider":                 s.MemoryLLMProvider,
		"memory_llm_model":                    s.MemoryLLMModel,
		"memory_extract_llm_attempted":        s.MemoryExtractLLMAttempted,
		"memory_extract_llm_succeeded":        s.MemoryExtractLLMSucceeded,
		"memory_extract_llm_failed":           s.MemoryExtractLLMFailed,
		"remote_memory_base_url":              s.RemoteMemoryBaseURL,
		"last_memory_read_ids":                append([]string(nil), s.lastMemoryReadIDs...),
		"last_memory_write_ids":               append([]string(nil), s.lastMemoryWriteIDs...),
		"last_memory_extract_error":           s.LastMemoryExtractError,
		"last_memory_error":                   s.LastMemoryError,
		"observations_received":               s.ObservationsReceived,
		"observations_valid":                  s.ObservationsValid,
		"observations_invalid":                s.ObservationsInvalid,
		"observations_dropped_old":            s.ObservationsDroppedOld,
		"observations_buffered_total":         s.ObservationsBufferedTotal,
		"observations_used_in_prompts":        s.ObservationsUsedInPrompts,
		"observations_chars_included":         s.ObservationsCharsIncluded,
		"observations_last_used_ids":          append([]string(nil), s.obsLastUsedIDs...),
		"observations_last_used_count":        s.ObservationsLastUsedCount,
		"observations_last_used_chars":        s.ObservationsLastUsedChars,
		"observations_last_context_preview":   s.ObservationsContextPreview,
		"obs_context_config_path":             s.ObsContextConfigPath,
		"obs_context_max_items":               s.ObsContextMaxItems,
		"obs_context_max_age_ms":              s.ObsContextMaxAgeMS,
		"obs_context_max_chars":               s.ObsContextMaxChars,
		"obs_context_prefix":                  s.ObsContextPrefix,
		"obs_context_format_version":          s.ObsContextFormatVersion,
		"auto_commentary_enabled":             s.AutoEnabled,
		"auto_commentary_hype_threshold":      s.AutoHypeThreshold,
		"auto_commentary_persona_cooldown_ms": s.AutoPersonaCooldownMS,
		"auto_commentary_room_rate_limit_ms":  s.AutoRoomRateLimitMS,
		"auto_obs_seen":                       s.AutoObsSeen,
		"auto_obs_interesting":                s.AutoObsInteresting,
		"auto_messages_attempted":             s.AutoMessagesAttempted,
		"auto_messages_published":             s.AutoMessagesPublished,
		"auto_suppressed_cooldown":            s.AutoSuppressedCooldown,
		"auto_suppressed_room_rate":           s.AutoSuppressedRoomRate,
		"auto_suppressed_dedupe":              s.AutoSuppressedDedupe,
		"auto_generation_failed":              s.AutoGenerationFailed,
		"auto_last_observation_ids":           append([]string(nil), s.autoLastObservationIDs...),
		"auto_last_decision":                  s.autoLastDecision,
	}
}
