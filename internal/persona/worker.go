package persona

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chorus-chat/chorus/internal/bus"
	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/observe"
	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/internal/state"
	"github.com/chorus-chat/chorus/pkg/genai"
)

const (
	readBatch      = 20
	readBlock      = time.Second
	obsBufferItems = 50
)

// Worker consumes the firehose and observations streams for one room,
// runs the decision engines and publishes persona replies back to ingest.
// Stream handling is single-goroutine; only Stats is shared with the HTTP
// surface.
type Worker struct {
	Cfg       *config.Config
	Log       *slog.Logger
	Room      *config.RoomConfig
	Personas  map[string]*config.PersonaConfig
	Generator genai.Generator
	Memory    *MemoryLayer
	AutoCfg   AutoConfig
	ObsCfg    ObsContextConfig
	Stats     *Stats
	Metrics   *observe.Metrics

	State  *state.State
	Engine *Engine

	personaOrder  []string
	providerLabel string
	now           func() int64
}

func (w *Worker) metrics() *observe.Metrics {
	if w.Metrics != nil {
		return w.Metrics
	}
	return observe.DefaultMetrics()
}

// NewWorker wires a worker from loaded configuration. The persona iteration
// order follows the room's enabled_personas list.
func NewWorker(cfg *config.Config, log *slog.Logger, room *config.RoomConfig, personas map[string]*config.PersonaConfig, gen genai.Generator, mem *MemoryLayer, autoCfg AutoConfig, obsCfg ObsContextConfig, stats *Stats) *Worker {
	st := state.New(cfg.Worker.MaxRecentMessagesPerRoom, cfg.Worker.DedupeCacheSize)
	engine := NewEngine(room, personas, st, EngineDefaults{
		SoftCooldownMS:   cfg.Worker.PersonaCooldownMSDefault,
		MaxBotMsgsPer10s: cfg.Worker.RoomBotBudgetPer10sDefault,
		MaxReactAgeS:     cfg.Worker.MaxReactAgeS,
	})
	var order []string
	for _, personaID := range room.EnabledPersonas {
		if _, ok := personas[personaID]; ok {
			order = append(order, personaID)
		}
	}
	providerLabel := "deterministic"
	if v, ok := gen.Describe()["llm_provider"].(string); ok && v != "" {
		providerLabel = v
	}
	return &Worker{
		Cfg:           cfg,
		Log:           log,
		Room:          room,
		Personas:      personas,
		Generator:     gen,
		Memory:        mem,
		AutoCfg:       autoCfg,
		ObsCfg:        obsCfg,
		Stats:         stats,
		State:         st,
		Engine:        engine,
		personaOrder:  order,
		providerLabel: providerLabel,
		now:           protocol.NowMS,
	}
}

// EnabledPersonas returns the persona ids in decision order.
func (w *Worker) EnabledPersonas() []string {
	out := make([]string, len(w.personaOrder))
	copy(out, w.personaOrder)
	return out
}

// Run consumes both worker streams until the context ends.
func (w *Worker) Run(ctx context.Context) error {
	loop := &bus.Loop{
		Name: "personaworker",
		URL:  w.Cfg.Bus.RedisURL,
		Log:  w.Log,
		Init: func(ctx context.Context, c *bus.Client) error {
			for _, stream := range []string{w.Cfg.Bus.FirehoseStream, w.Cfg.Bus.ObservationsStream} {
				if err := c.EnsureGroup(ctx, stream, w.Cfg.Bus.ConsumerGroup); err != nil {
					return err
				}
			}
			return nil
		},
		Step: w.step,
	}
	return loop.Run(ctx)
}

func (w *Worker) step(ctx context.Context, c *bus.Client) error {
	entries, err := c.ReadGroup(ctx, w.Cfg.Bus.ConsumerGroup, w.Cfg.Bus.ConsumerName,
		[]string{w.Cfg.Bus.FirehoseStream, w.Cfg.Bus.ObservationsStream}, readBatch, readBlock)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		switch entry.Stream {
		case w.Cfg.Bus.ObservationsStream:
			w.handleObservation(ctx, c, entry)
		default:
			w.handleChat(ctx, c, entry)
		}
	}
	return nil
}

// streamClient is the bus surface the per-entry handlers touch. *bus.Client
// implements it; tests substitute a fake.
type streamClient interface {
	StreamAppender
	Ack(ctx context.Context, stream, group, id string)
}

func (w *Worker) publisher(c streamClient) *Publisher {
	return &Publisher{
		Bus:          c,
		IngestStream: w.Cfg.Bus.IngestStream,
		ConsumerName: w.Cfg.Bus.ConsumerName,
	}
}

// handleChat runs one firehose message through dedupe, memory extraction and
// the per-persona decision engine. The entry is always acknowledged.
func (w *Worker) handleChat(ctx context.Context, c streamClient, entry bus.Entry) {
	defer c.Ack(ctx, entry.Stream, w.Cfg.Bus.ConsumerGroup, entry.ID)

	w.Stats.Mutate(func(s *Stats) { s.MessagesConsumed++ })
	w.metrics().RecordConsumed(ctx, "personaworker", entry.Stream)

	var msg protocol.ChatMessage
	if err := json.Unmarshal(entry.Data, &msg); err != nil {
		w.Log.Warn("malformed chat payload", "entry", entry.ID, "err", err)
		return
	}
	if msg.ID == "" {
		return
	}
	nowMS := w.now()
	roomID := msg.RoomID
	if roomID == "" {
		roomID = w.Room.RoomID
	}
	tsMS := nowMS
	if parsed, err := msg.Time(); err == nil {
		tsMS = parsed
	}

	if w.State.SeenBefore(msg.ID) {
		w.Stats.Mutate(func(s *Stats) { s.MessagesDeduped++ })
		w.Stats.RecordDecision("*", "deduped", map[string]any{"ts_ms": tsMS})
		return
	}

	room := w.State.Room(roomID, w.Engine.BudgetLimit(), botBudgetWindowMS)
	room.RecordEvent(tsMS)

	if err := protocol.ValidateChatMessage(&msg); err != nil {
		w.Log.Warn("invalid chat message", "id", msg.ID, "err", err)
		return
	}

	room.AddMessage(state.RecentMessage{
		ID:          msg.ID,
		TS:          msg.TS,
		Origin:      string(msg.Origin),
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Content:     msg.Content,
	})

	w.Memory.MaybeExtract(ctx, &msg, w.personaOrder, w.recentContents(roomID), w.Room.RoomID, nowMS)

	for _, personaID := range w.personaOrder {
		persona := w.Personas[personaID]
		decision := w.Engine.ShouldSpeak(personaID, &msg, nowMS)
		tags := decision.Tags
		tags["reason"] = decision.Reason
		w.Stats.RecordDecision(personaID, decision.Reason, tags)
		if !decision.Emit {
			w.Stats.Mutate(func(s *Stats) {
				switch decision.Reason {
				case ReasonCooldown:
					s.SuppressedCooldown++
				case ReasonBudget:
					s.SuppressedBudget++
				case ReasonBotOrigin:
					s.SuppressedBotOrigin++
				}
			})
			continue
		}

		memoryContext, _ := w.Memory.BuildContext(ctx, personaID, roomID, msg.Content)
		obsContext := w.observationContext(roomID, nowMS)
		genStart := time.Now()
		content, err := w.Generator.GenerateReply(ctx, genai.Input{
			Persona:            personaSpec(persona),
			Room:               w.roomSpec(),
			Event:              genai.Event{ID: msg.ID, RoomID: roomID, Content: msg.Content},
			Tags:               tags,
			Recent:             w.recentContents(roomID),
			MemoryContext:      memoryContext,
			ObservationContext: obsContext,
		})
		w.metrics().RecordLLMDuration(ctx, w.providerLabel, genai.PurposePersonaReply, time.Since(genStart).Seconds())
		if err != nil {
			w.metrics().RecordProviderError(ctx, w.providerLabel, genai.PurposePersonaReply)
			w.Log.Warn("reply generation failed", "persona", personaID, "err", err)
			continue
		}

		if _, err := w.publisher(c).Publish(ctx, persona, roomID, content, TraceProducerWorker); err != nil {
			w.Log.Warn("publish failed", "persona", personaID, "err", err)
			continue
		}
		publishedAt := w.now()
		personaStats := w.State.Persona(personaID)
		personaStats.LastSpokeAtMS = publishedAt
		personaStats.MessagesPublished++
		room.RecordBotPublish(publishedAt)
		w.Stats.Mutate(func(s *Stats) { s.MessagesPublished++ })
		w.metrics().RecordPersonaMessage(ctx, personaID, "reply")
	}
}

// handleObservation validates and buffers a stream observation, then runs
// the auto-commentary path. The entry is always acknowledged.
func (w *Worker) handleObservation(ctx context.Context, c streamClient, entry bus.Entry) {
	defer c.Ack(ctx, entry.Stream, w.Cfg.Bus.ConsumerGroup, entry.ID)

	w.Stats.Mutate(func(s *Stats) { s.ObservationsReceived++ })
	w.metrics().RecordConsumed(ctx, "personaworker", entry.Stream)

	var obs protocol.StreamObservation
	if err := json.Unmarshal(entry.Data, &obs); err != nil {
		w.Stats.Mutate(func(s *Stats) { s.ObservationsInvalid++ })
		w.Log.Warn("malformed observation payload", "entry", entry.ID, "err", err)
		return
	}
	if err := protocol.ValidateObservation(&obs); err != nil {
		w.Stats.Mutate(func(s *Stats) { s.ObservationsInvalid++ })
		w.Log.Warn("invalid observation", "entry", entry.ID, "err", err)
		return
	}
	w.Stats.Mutate(func(s *Stats) { s.ObservationsValid++ })

	nowMS := w.now()
	tsMS := DeriveObservationTSMS(&obs, entry.ID, nowMS)
	dropped := w.State.AddObservation(obs.RoomID, state.ObservationEntry{
		EntryID:     entry.ID,
		TSMS:        tsMS,
		Observation: &obs,
	}, nowMS, w.ObsCfg.MaxAgeMS, obsBufferItems)
	buffered := w.State.ObservationsTotal()
	w.Stats.Mutate(func(s *Stats) {
		s.ObservationsDroppedOld += dropped
		s.ObservationsBufferedTotal = buffered
	})

	w.maybeAutoComment(ctx, c, &obs, nowMS)
}

// observationContext renders the room's buffered observations for a prompt
// and records the usage on the stats surface.
func (w *Worker) observationContext(roomID string, nowMS int64) string {
	entries := w.State.RecentObservations(roomID, nowMS, w.ObsCfg.MaxAgeMS, obsBufferItems)
	result := FormatObservationContext(entries, roomID, nowMS, w.ObsCfg)
	if result.ContextText == "" {
		return ""
	}
	w.Stats.RecordObservationUse(result.IncludedObsIDs, result.CharsIncluded, result.ContextText)
	return result.ContextText
}

func (w *Worker) maybeAutoComment(ctx context.Context, c streamClient, obs *protocol.StreamObservation, nowMS int64) {
	if !w.AutoCfg.Enabled {
		return
	}
	w.Stats.Mutate(func(s *Stats) { s.AutoObsSeen++ })
	w.State.RecordAutoObservationID(obs.ID)

	decision := map[string]any{"obs_id": obs.ID, "ts_ms": nowMS}
	emit, reason, score := ShouldEmit(obs, w.State, w.AutoCfg, nowMS)
	decision["reason"] = reason
	decision["score"] = score
	if !emit {
		w.Stats.Mutate(func(s *Stats) {
			switch reason {
			case AutoReasonRoomRate, state.ReasonMomentumRate, state.ReasonMomentumInterval:
				s.AutoSuppressedRoomRate++
			case AutoReasonMaxPerObservation, AutoReasonSummaryDedupe:
				s.AutoSuppressedDedupe++
			}
		})
		w.Stats.RecordAutoDecision(decision, obs.ID)
		return
	}
	w.Stats.Mutate(func(s *Stats) { s.AutoObsInteresting++ })

	roomID := obs.RoomID
	if w.AutoCfg.RoomIDMode == "config" || roomID == "" {
		roomID = w.Room.RoomID
	}

	personaID, pickReason := PickPersona(obs, w.State, w.AutoCfg, w.personaOrder)
	decision["persona_id"] = personaID
	decision["pick_reason"] = pickReason
	if personaID == "" {
		w.Stats.RecordAutoDecision(decision, obs.ID)
		return
	}
	if !w.State.AutoPersonaReady(personaID, nowMS, w.AutoCfg.PersonaCooldownMS) {
		decision["reason"] = AutoReasonPersonaCooldown
		w.Stats.Mutate(func(s *Stats) { s.AutoSuppressedCooldown++ })
		w.Stats.RecordAutoDecision(decision, obs.ID)
		return
	}

	w.Stats.Mutate(func(s *Stats) { s.AutoMessagesAttempted++ })
	persona := w.Personas[personaID]

	obsEntries := w.State.RecentObservations(obs.RoomID, nowMS, w.ObsCfg.MaxAgeMS, obsBufferItems)
	obsResult := FormatObservationContext(obsEntries, obs.RoomID, nowMS, w.ObsCfg)
	if obsResult.ContextText != "" {
		w.Stats.RecordObservationUse(obsResult.IncludedObsIDs, obsResult.CharsIncluded, obsResult.ContextText)
	}
	memoryContext, _ := w.Memory.BuildContext(ctx, personaID, roomID, obs.Summary)

	genStart := time.Now()
	base, err := w.Generator.GenerateReply(ctx, genai.Input{
		Persona:            personaSpec(persona),
		Room:               w.roomSpec(),
		Event:              genai.Event{ID: obs.ID, RoomID: roomID, Content: obs.Summary},
		Tags:               decision,
		Recent:             w.recentContents(roomID),
		MemoryContext:      memoryContext,
		ObservationContext: obsResult.ContextText,
		ObservationSummary: obs.Summary,
		PromptID:           w.AutoCfg.PromptID,
		Purpose:            genai.PurposeAutoCommentary,
	})
	w.metrics().RecordLLMDuration(ctx, w.providerLabel, genai.PurposeAutoCommentary, time.Since(genStart).Seconds())
	if err != nil {
		w.metrics().RecordProviderError(ctx, w.providerLabel, genai.PurposeAutoCommentary)
		w.Stats.Mutate(func(s *Stats) { s.AutoGenerationFailed++ })
		w.Stats.RecordAutoDecision(decision, obs.ID)
		w.Log.Warn("auto commentary generation failed", "persona", personaID, "err", err)
		return
	}

	reply := genai.FormatAutoCommentaryReply(base, obs.Summary, obsResult.ContextText,
		w.AutoCfg.MessagePrefix, w.AutoCfg.IncludeObsID, obs.ID, w.AutoCfg.MaxReplyChars)

	if _, err := w.publisher(c).Publish(ctx, persona, roomID, reply, TraceProducerWorker); err != nil {
		w.Stats.Mutate(func(s *Stats) { s.AutoGenerationFailed++ })
		w.Stats.RecordAutoDecision(decision, obs.ID)
		w.Log.Warn("auto commentary publish failed", "persona", personaID, "err", err)
		return
	}

	publishedAt := w.now()
	w.State.RecordAutoPublish(roomID, personaID, publishedAt)
	w.State.RecordAutoObservationMessage(obs.ID, publishedAt, w.AutoCfg.DedupeWindowMS)
	decision["published"] = true
	w.Stats.Mutate(func(s *Stats) { s.AutoMessagesPublished++ })
	w.metrics().RecordPersonaMessage(ctx, personaID, "auto")
	w.Stats.RecordAutoDecision(decision, obs.ID)
}

func (w *Worker) recentContents(roomID string) []string {
	room := w.State.Room(roomID, w.Engine.BudgetLimit(), botBudgetWindowMS)
	recent := room.Recent()
	out := make([]string, 0, len(recent))
	for _, msg := range recent {
		out = append(out, msg.Content)
	}
	return out
}

func (w *Worker) roomSpec() genai.RoomSpec {
	return genai.RoomSpec{
		RoomID:        w.Room.RoomID,
		AllowedEmotes: w.Room.EmotePolicy.AllowedEmotes,
	}
}

func personaSpec(p *config.PersonaConfig) genai.PersonaSpec {
	return genai.PersonaSpec{
		PersonaID:   p.PersonaID,
		DisplayName: p.DisplayName,
		MaxChars:    p.Safety.MaxChars,
		Anchor: genai.Anchor{
			Bio:          p.Anchor.Bio,
			Catchphrases: p.Anchor.Catchphrases,
			VoiceRules: genai.VoiceRules{
				Style:            p.Anchor.VoiceRules.Style,
				CapsStyle:        p.Anchor.VoiceRules.CapsStyle,
				Punctuation:      p.Anchor.VoiceRules.Punctuation,
				EmojiDensity:     p.Anchor.VoiceRules.EmojiDensity,
				EmoteHabits:      p.Anchor.VoiceRules.EmoteHabits,
				CatchphraseSeeds: p.Anchor.VoiceRules.CatchphraseSeeds,
				BannedTopics:     p.Anchor.VoiceRules.BannedTopics,
			},
		},
	}
}
