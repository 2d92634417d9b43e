package gateway

import "sync"

// Stats collects the gateway counters exposed on /stats.
type Stats struct {
	mu                sync.Mutex
	MessagesConsumed  int
	MessagesBroadcast int
	MessagesDropped   int
}

// Mutate runs fn under the stats lock.
func (s *Stats) Mutate(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Snapshot renders the stats payload for the HTTP stats endpoint.
func (s *Stats) Snapshot(activeWS int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"messages_consumed":     s.MessagesConsumed,
		"messages_broadcast":    s.MessagesBroadcast,
		"messages_dropped":      s.MessagesDropped,
		"active_ws_connections": activeWS,
	}
}
