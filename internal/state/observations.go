package state

import "sort"

// AddObservation buffers an observation for the room and prunes the buffer,
// returning how many entries were dropped for age.
func (s *State) AddObservation(roomID string, entry ObservationEntry, nowMS, maxAgeMS int64, maxItems int) int {
	s.observations[roomID] = append(s.observations[roomID], entry)
	return s.PruneObservations(roomID, nowMS, maxAgeMS, maxItems)
}

// PruneObservations drops entries older than maxAgeMS, orders the rest by
// (ts_ms, entry id) and keeps the newest maxItems. Returns the number
// dropped for age.
func (s *State) PruneObservations(roomID string, nowMS, maxAgeMS int64, maxItems int) int {
	entries := s.observations[roomID]
	if len(entries) == 0 {
		return 0
	}
	threshold := nowMS - maxAgeMS
	kept := entries[:0:0]
	for _, e := range entries {
		if e.TSMS >= threshold {
			kept = append(kept, e)
		}
	}
	droppedOld := len(entries) - len(kept)
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].TSMS != kept[j].TSMS {
			return kept[i].TSMS < kept[j].TSMS
		}
		return kept[i].EntryID < kept[j].EntryID
	})
	if maxItems > 0 && len(kept) > maxItems {
		kept = kept[len(kept)-maxItems:]
	}
	s.observations[roomID] = kept
	return droppedOld
}

// RecentObservations prunes and returns a copy of the room's buffer, oldest
// first.
func (s *State) RecentObservations(roomID string, nowMS, maxAgeMS int64, maxItems int) []ObservationEntry {
	s.PruneObservations(roomID, nowMS, maxAgeMS, maxItems)
	entries := s.observations[roomID]
	out := make([]ObservationEntry, len(entries))
	copy(out, entries)
	return out
}

// ObservationsTotal counts buffered observations across all rooms.
func (s *State) ObservationsTotal() int {
	total := 0
	for _, entries := range s.observations {
		total += len(entries)
	}
	return total
}
