package state

const autoLastObsIDsMax = 5

// Momentum suppression reasons returned by AutoMomentumReady.
const (
	ReasonMomentumRate     = "momentum_rate"
	ReasonMomentumInterval = "momentum_interval"
)

// AutoSeenBefore reports whether the observation/persona pair already
// produced a commentary inside the dedupe window, recording it otherwise.
func (s *State) AutoSeenBefore(obsID, personaID string, nowMS, windowMS int64) bool {
	return s.autoDedupe.SeenBefore(obsID+":"+personaID, nowMS, windowMS)
}

// AutoObservationCount returns how many commentaries the observation has
// produced inside the window.
func (s *State) AutoObservationCount(obsID string, nowMS, windowMS int64) int {
	return s.autoObsCounts.Count(obsID, nowMS, windowMS)
}

// RecordAutoObservationMessage bumps the observation's commentary count and
// returns the new value.
func (s *State) RecordAutoObservationMessage(obsID string, nowMS, windowMS int64) int {
	return s.autoObsCounts.Increment(obsID, nowMS, windowMS)
}

// AutoPersonaReady reports whether the persona's auto-commentary cooldown
// has elapsed.
func (s *State) AutoPersonaReady(personaID string, nowMS, cooldownMS int64) bool {
	if cooldownMS <= 0 {
		return true
	}
	last, ok := s.autoPersonaLastSpoke[personaID]
	if !ok {
		return true
	}
	return nowMS-last >= cooldownMS
}

// AutoRoomReady reports whether the room's auto-commentary rate limit has
// elapsed.
func (s *State) AutoRoomReady(roomID string, nowMS, rateLimitMS int64) bool {
	if rateLimitMS <= 0 {
		return true
	}
	last, ok := s.autoRoomLastSpoke[roomID]
	if !ok {
		return true
	}
	return nowMS-last >= rateLimitMS
}

// AutoMomentumReady checks the room's burst controls: no more than maxMsgs
// auto messages inside windowMS, and at least minIntervalMS between
// consecutive ones. The returned reason names the violated control.
func (s *State) AutoMomentumReady(roomID string, nowMS, windowMS int64, maxMsgs int, minIntervalMS int64) (bool, string) {
	times := s.autoMomentum[roomID]
	if windowMS > 0 {
		times = pruneWindow(times, nowMS, windowMS)
		s.autoMomentum[roomID] = times
		if maxMsgs > 0 && len(times) >= maxMsgs {
			return false, ReasonMomentumRate
		}
	}
	if minIntervalMS > 0 && len(times) > 0 && nowMS-times[len(times)-1] < minIntervalMS {
		return false, ReasonMomentumInterval
	}
	return true, ""
}

// AutoSummarySeenBefore reports whether the summary hash was already used
// inside the dedupe TTL, recording it otherwise.
func (s *State) AutoSummarySeenBefore(summaryHash string, nowMS, ttlMS int64) bool {
	return s.autoSummarySeen.SeenBefore(summaryHash, nowMS, ttlMS)
}

// AutoRecentPersonas returns up to n most recent auto-commentary speakers in
// the room, most recent last.
func (s *State) AutoRecentPersonas(roomID string, n int) []string {
	if n <= 0 {
		return nil
	}
	recent := s.autoRecentPersonas[roomID]
	if len(recent) > n {
		recent = recent[len(recent)-n:]
	}
	out := make([]string, len(recent))
	copy(out, recent)
	return out
}

// RecordAutoPublish notes a successful auto-commentary publish for the
// room/persona pair.
func (s *State) RecordAutoPublish(roomID, personaID string, nowMS int64) {
	s.autoRoomLastSpoke[roomID] = nowMS
	s.autoPersonaLastSpoke[personaID] = nowMS
	s.autoMomentum[roomID] = append(s.autoMomentum[roomID], nowMS)
	recent := append(s.autoRecentPersonas[roomID], personaID)
	if len(recent) > 16 {
		recent = recent[len(recent)-16:]
	}
	s.autoRecentPersonas[roomID] = recent
}

// RecordAutoObservationID keeps the trailing ring of observation ids that
// reached the auto-commentary path, for the stats surface.
func (s *State) RecordAutoObservationID(obsID string) {
	if obsID == "" {
		return
	}
	s.autoLastObsIDs = append(s.autoLastObsIDs, obsID)
	if len(s.autoLastObsIDs) > autoLastObsIDsMax {
		s.autoLastObsIDs = s.autoLastObsIDs[len(s.autoLastObsIDs)-autoLastObsIDsMax:]
	}
}

// AutoLastObservationIDs returns a copy of the trailing observation id ring.
func (s *State) AutoLastObservationIDs() []string {
	out := make([]string, len(s.autoLastObsIDs))
	copy(out, s.autoLastObsIDs)
	return out
}
