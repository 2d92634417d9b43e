// Package state holds the persona worker's process-local runtime state:
// message dedupe, per-room activity windows, per-persona speaking stats,
// buffered stream observations and the auto-commentary rate bookkeeping.
//
// State is not safe for concurrent use. The worker owns it from its single
// consumer goroutine; the HTTP stats surface reads separately maintained
// counters instead.
package state

import (
	"github.com/chorus-chat/chorus/internal/protocol"
)

const (
	eventWindowMS   = 10_000
	mentionWindowMS = 30_000
)

// RecentMessage is the minimal projection of a chat message kept in a
// room's recent-context ring.
type RecentMessage struct {
	ID          string `json:"id"`
	TS          string `json:"ts"`
	Origin      string `json:"origin"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Content     string `json:"content"`
}

// Room tracks one room's recent messages, bot publish budget window and
// overall event rate.
type Room struct {
	ID             string
	BudgetLimit    int
	BudgetWindowMS int64

	maxRecent       int
	recent          []RecentMessage
	botPublishTimes []int64
	eventTimes      []int64
}

// AddMessage appends to the recent ring, evicting the oldest entry when the
// ring is full.
func (r *Room) AddMessage(m RecentMessage) {
	r.recent = append(r.recent, m)
	if r.maxRecent > 0 && len(r.recent) > r.maxRecent {
		r.recent = r.recent[len(r.recent)-r.maxRecent:]
	}
}

// Recent returns a copy of the recent ring, oldest first.
func (r *Room) Recent() []RecentMessage {
	out := make([]RecentMessage, len(r.recent))
	copy(out, r.recent)
	return out
}

// RecordBotPublish notes a successful bot publish for budget accounting.
func (r *Room) RecordBotPublish(nowMS int64) {
	r.botPublishTimes = append(r.botPublishTimes, nowMS)
	r.botPublishTimes = pruneWindow(r.botPublishTimes, nowMS, r.BudgetWindowMS)
}

// RecordEvent notes any consumed message for the 10s rate window.
func (r *Room) RecordEvent(tsMS int64) {
	r.eventTimes = append(r.eventTimes, tsMS)
	r.eventTimes = pruneWindow(r.eventTimes, tsMS, eventWindowMS)
}

// WithinBudget reports whether another bot publish fits the budget window.
func (r *Room) WithinBudget(nowMS int64) bool {
	r.botPublishTimes = pruneWindow(r.botPublishTimes, nowMS, r.BudgetWindowMS)
	return len(r.botPublishTimes) < r.BudgetLimit
}

// Rate10s returns how many messages the room saw in the last ten seconds.
func (r *Room) Rate10s(nowMS int64) int {
	r.eventTimes = pruneWindow(r.eventTimes, nowMS, eventWindowMS)
	return len(r.eventTimes)
}

// Persona tracks one persona's speaking history.
type Persona struct {
	ID                string
	LastSpokeAtMS     int64 // 0 means never
	MessagesPublished int64

	mentionEvents []int64
}

// RecordMention notes that the persona was mentioned.
func (p *Persona) RecordMention(tsMS int64) {
	p.mentionEvents = append(p.mentionEvents, tsMS)
	p.mentionEvents = pruneWindow(p.mentionEvents, tsMS, mentionWindowMS)
}

// MentionsLast30s returns the mention count in the trailing 30s window.
func (p *Persona) MentionsLast30s(nowMS int64) int {
	p.mentionEvents = pruneWindow(p.mentionEvents, nowMS, mentionWindowMS)
	return len(p.mentionEvents)
}

// ObservationEntry is one buffered stream observation together with its
// stream entry id and derived timestamp.
type ObservationEntry struct {
	EntryID     string
	TSMS        int64
	Observation *protocol.StreamObservation
}

// State is the worker's whole in-process runtime state.
type State struct {
	maxRecent  int
	dedupeSize int

	dedupe       *lruSet
	rooms        map[string]*Room
	personas     map[string]*Persona
	observations map[string][]ObservationEntry

	autoRoomLastSpoke    map[string]int64
	autoPersonaLastSpoke map[string]int64
	autoDedupe           *orderedTTL
	autoObsCounts        *orderedCounts
	autoSummarySeen      *orderedTTL
	autoMomentum         map[string][]int64
	autoRecentPersonas   map[string][]string
	autoLastObsIDs       []string
}

// New builds an empty State. maxRecent bounds each room's recent ring and
// dedupeSize bounds the message id dedupe cache.
func New(maxRecent, dedupeSize int) *State {
	return &State{
		maxRecent:            maxRecent,
		dedupeSize:           dedupeSize,
		dedupe:               newLRUSet(dedupeSize),
		rooms:                map[string]*Room{},
		personas:             map[string]*Persona{},
		observations:         map[string][]ObservationEntry{},
		autoRoomLastSpoke:    map[string]int64{},
		autoPersonaLastSpoke: map[string]int64{},
		autoDedupe:           newOrderedTTL(),
		autoObsCounts:        newOrderedCounts(),
		autoSummarySeen:      newOrderedTTL(),
		autoMomentum:         map[string][]int64{},
		autoRecentPersonas:   map[string][]string{},
	}
}

// Room returns the room's state, creating it with the given budget on first
// use.
func (s *State) Room(roomID string, budgetLimit int, budgetWindowMS int64) *Room {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &Room{ID: roomID, BudgetLimit: budgetLimit, BudgetWindowMS: budgetWindowMS, maxRecent: s.maxRecent}
		s.rooms[roomID] = r
	}
	return r
}

// Persona returns the persona's stats, creating them on first use.
func (s *State) Persona(personaID string) *Persona {
	p, ok := s.personas[personaID]
	if !ok {
		p = &Persona{ID: personaID}
		s.personas[personaID] = p
	}
	return p
}

// SeenBefore reports whether the message id was already consumed, recording
// it otherwise. The cache is a bounded LRU: re-seen ids refresh recency.
func (s *State) SeenBefore(messageID string) bool {
	return s.dedupe.SeenBefore(messageID)
}

func pruneWindow(times []int64, nowMS, windowMS int64) []int64 {
	i := 0
	for i < len(times) && nowMS-times[i] > windowMS {
		i++
	}
	return times[i:]
}
