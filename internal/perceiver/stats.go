package perceiver

import "sync"

// Stats collects the perceiver counters exposed on /stats.
type Stats struct {
	mu                   sync.Mutex
	ProcessedFrames      int
	ProcessedTranscripts int
	EmittedObservations  int
	LLMCalls             int
	LLMFailures          int
	SchemaFailures       int
	SHAMismatch          int
	FileMissing          int
	BusFailures          int
}

// Mutate runs fn under the stats lock.
func (s *Stats) Mutate(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Snapshot renders the stats payload for the HTTP stats endpoint.
func (s *Stats) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"processed_frames":      s.ProcessedFrames,
		"processed_transcripts": s.ProcessedTranscripts,
		"emitted_observations":  s.EmittedObservations,
		"llm_calls":             s.LLMCalls,
		"llm_failures":          s.LLMFailures,
		"schema_failures":       s.SchemaFailures,
		"sha_mismatch":          s.SHAMismatch,
		"file_missing":          s.FileMissing,
		"bus_failures":          s.BusFailures,
	}
}
