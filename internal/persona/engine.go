// Package persona implements the persona workers: the chat-reactive
// decision engine, the auto-commentary engine, reply generation and
// publication, and the memory layer wiring.
package persona

import (
	"strings"
	"time"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
	"github.com/chorus-chat/chorus/pkg/det"
	"github.com/chorus-chat/chorus/pkg/genai"
)

// Decision gate outcomes, in evaluation order.
const (
	ReasonBotOrigin = "bot_origin"
	ReasonTooOld    = "too_old"
	ReasonWrongRoom = "wrong_room"
	ReasonCooldown  = "cooldown"
	ReasonBudget    = "budget"
	ReasonE2EForced = "e2e_forced"
	ReasonPPass     = "p_pass"
	ReasonPGate     = "p_gate"
)

const botBudgetWindowMS = 10_000

var forcingTokens = []string{"E2E_TEST_", "E2E_TEST_BOTLOOP_", "E2E_MARKER_"}

// EngineDefaults are the worker-level fallbacks for rooms that leave timing
// fields unset.
type EngineDefaults struct {
	SoftCooldownMS   int64
	MaxBotMsgsPer10s int
	MaxReactAgeS     float64
}

// Engine decides whether a persona speaks in reaction to a chat message.
// It owns no I/O; the worker calls it once per (persona, message) pair.
type Engine struct {
	room     *config.RoomConfig
	personas map[string]*config.PersonaConfig
	state    *state.State

	pBase              float64
	pMentionBonus      float64
	pHypeBonus         float64
	pRatePenaltyPerMsg float64
	softCooldownMS     int64
	hardCooldownMS     *int64
	maxBotMsgsPer10s   int
	maxReactAgeS       float64
	botReactToBotWt    *float64
}

// NewEngine builds the engine for one room. Zero timing fields take the
// documented defaults.
func NewEngine(room *config.RoomConfig, personas map[string]*config.PersonaConfig, st *state.State, defaults EngineDefaults) *Engine {
	timing := config.TimingConfig{}
	if room != nil {
		timing = room.Timing
	}
	e := &Engine{
		room:               room,
		personas:           personas,
		state:              st,
		pBase:              0.15,
		pMentionBonus:      0.35,
		pHypeBonus:         0.10,
		pRatePenaltyPerMsg: 0.01,
		softCooldownMS:     defaults.SoftCooldownMS,
		hardCooldownMS:     timing.HardCooldownMS,
		maxBotMsgsPer10s:   defaults.MaxBotMsgsPer10s,
		maxReactAgeS:       defaults.MaxReactAgeS,
		botReactToBotWt:    timing.BotReactToBotWt,
	}
	if timing.PBase > 0 {
		e.pBase = timing.PBase
	}
	if timing.PMentionBonus > 0 {
		e.pMentionBonus = timing.PMentionBonus
	}
	if timing.PHypeBonus > 0 {
		e.pHypeBonus = timing.PHypeBonus
	}
	if timing.PRatePenaltyPerMsg > 0 {
		e.pRatePenaltyPerMsg = timing.PRatePenaltyPerMsg
	}
	if timing.SoftCooldownMS > 0 {
		e.softCooldownMS = timing.SoftCooldownMS
	}
	if timing.MaxBotMsgsPer10s > 0 {
		e.maxBotMsgsPer10s = timing.MaxBotMsgsPer10s
	}
	return e
}

// BudgetLimit returns the room's effective bot budget per 10s window.
func (e *Engine) BudgetLimit() int { return e.maxBotMsgsPer10s }

// Decision is one gate outcome with its audit tags.
type Decision struct {
	Emit   bool
	Reason string
	Tags   map[string]any
}

func (e *Engine) roomID(msg *protocol.ChatMessage) string {
	if msg.RoomID != "" {
		return msg.RoomID
	}
	if e.room != nil && e.room.RoomID != "" {
		return e.room.RoomID
	}
	return "room:demo"
}

func (e *Engine) displayName(personaID string) string {
	if persona, ok := e.personas[personaID]; ok {
		return persona.EffectiveDisplayName()
	}
	return personaID
}

// ShouldSpeak runs the gate chain for one persona against one message.
// nowMS is the worker's clock; state mutations (mention recording, window
// pruning) happen as a side effect.
func (e *Engine) ShouldSpeak(personaID string, msg *protocol.ChatMessage, nowMS int64) Decision {
	msgTSMS := nowMS
	if msg.TS != "" {
		if ts, err := protocol.ParseTS(msg.TS); err == nil {
			msgTSMS = ts.UnixMilli()
		}
	}
	tags := map[string]any{
		"p_used":           nil,
		"h_value":          nil,
		"mention_detected": false,
		"hype_detected":    false,
		"rate_10s":         0,
		"ts_ms":            msgTSMS,
	}

	if msg.Origin == protocol.OriginBot {
		return Decision{Reason: ReasonBotOrigin, Tags: tags}
	}
	if ageS := time.Duration(nowMS-msgTSMS) * time.Millisecond; ageS.Seconds() > e.maxReactAgeS {
		return Decision{Reason: ReasonTooOld, Tags: tags}
	}
	if e.room != nil && e.room.RoomID != "" && msg.RoomID != "" && msg.RoomID != e.room.RoomID {
		return Decision{Reason: ReasonWrongRoom, Tags: tags}
	}

	personaStats := e.state.Persona(personaID)
	if personaStats.LastSpokeAtMS != 0 {
		cooldownMS := e.softCooldownMS
		if e.hardCooldownMS != nil && *e.hardCooldownMS > cooldownMS {
			cooldownMS = *e.hardCooldownMS
		}
		if nowMS-personaStats.LastSpokeAtMS < cooldownMS {
			return Decision{Reason: ReasonCooldown, Tags: tags}
		}
	}

	room := e.state.Room(e.roomID(msg), e.maxBotMsgsPer10s, botBudgetWindowMS)
	if !room.WithinBudget(nowMS) {
		return Decision{Reason: ReasonBudget, Tags: tags}
	}

	content := msg.Content
	if markerPresent(content) {
		tags["p_used"] = 1.0
		tags["h_value"] = 0.0
		tags["reason"] = ReasonE2EForced
		tags["rate_10s"] = room.Rate10s(nowMS)
		tags["forced"] = true
		tags["marker_present"] = true
		return Decision{Emit: true, Reason: ReasonE2EForced, Tags: tags}
	}

	mentionDetected := genai.DetectMentions(content, e.displayName(personaID))
	if mentionDetected {
		personaStats.RecordMention(nowMS)
	}
	hypeDetected := genai.DetectHypeTokens(content)
	rate10s := room.Rate10s(nowMS)
	tags["mention_detected"] = mentionDetected
	tags["hype_detected"] = hypeDetected
	tags["rate_10s"] = rate10s

	hValue := 1.0
	if msg.ID != "" {
		hValue = det.Unit(msg.ID + ":" + personaID)
	}
	pThreshold := e.threshold(mentionDetected, hypeDetected, rate10s)
	tags["p_used"] = pThreshold
	tags["h_value"] = hValue
	if e.botReactToBotWt != nil {
		tags["bot_react_to_bot_weight"] = *e.botReactToBotWt
	}

	if hValue < pThreshold {
		return Decision{Emit: true, Reason: ReasonPPass, Tags: tags}
	}
	return Decision{Reason: ReasonPGate, Tags: tags}
}

func (e *Engine) threshold(mentioned, hype bool, rate10s int) float64 {
	p := e.pBase
	if mentioned {
		p = min(1.0, p+e.pMentionBonus)
	}
	if hype {
		p = min(1.0, p+e.pHypeBonus)
	}
	if rate10s > 0 {
		p = max(0.02, p-e.pRatePenaltyPerMsg*float64(rate10s))
	}
	return p
}

func markerPresent(content string) bool {
	for _, token := range forcingTokens {
		if strings.Contains(content, token) {
			return true
		}
	}
	return false
}
