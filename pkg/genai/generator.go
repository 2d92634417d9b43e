package genai

import (
	"context"
	"fmt"
	"strings"

	"github.com/chorus-chat/chorus/pkg/det"
	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// DefaultEmotes are used when a room carries no emote policy.
var DefaultEmotes = []string{"Kappa", "PogChamp", "FeelsOkayMan", "OMEGALUL"}

// TemplateFamilies are the deterministic reply templates. Family 2 echoes the
// triggering message, family 3 substitutes persona catchphrases.
var TemplateFamilies = [][]string{
	{"lol", "true", "nah", "W", "L", "real"},
	{"POGGERS", "W PLAY", "HYPE", "LET'S GO"},
	{"nice", "solid", "clean", "ok then"},
	{"what happened?", "for real?", "actually?"},
}

const (
	defaultMaxChars = 200
	forcedReason    = "e2e_forced"
)

// VoiceRules describe how a persona writes.
type VoiceRules struct {
	Style            string
	CapsStyle        string
	Punctuation      string
	EmojiDensity     string
	EmoteHabits      []string
	CatchphraseSeeds []string
	BannedTopics     []string
}

// Anchor is the persona's grounding material.
type Anchor struct {
	Bio          string
	VoiceRules   VoiceRules
	Catchphrases []string
}

// PersonaSpec is the persona view the generators need.
type PersonaSpec struct {
	PersonaID   string
	DisplayName string
	MaxChars    int
	Anchor      Anchor
}

// RoomSpec is the room view the generators need.
type RoomSpec struct {
	RoomID        string
	AllowedEmotes []string
}

// Event is the triggering chat message.
type Event struct {
	ID      string
	RoomID  string
	Content string
}

// Input carries one reply request. The worker fills Recent from room state
// and the context blocks from its memory and observation layers.
type Input struct {
	Persona PersonaSpec
	Room    RoomSpec
	Event   Event

	Tags map[string]any

	Recent             []string
	MemoryContext      string
	ObservationContext string
	ObservationSummary string

	PromptID string
	Purpose  string
}

// Generator produces a persona reply for an input.
type Generator interface {
	GenerateReply(ctx context.Context, in Input) (string, error)

	// Describe reports the generator's configuration for the stats surface.
	Describe() map[string]any
}

func reasonOf(tags map[string]any) string {
	if tags == nil {
		return ""
	}
	reason, _ := tags["reason"].(string)
	return reason
}

func maybeAddEmote(base, personaID, eventID string, room RoomSpec, maxChars int) string {
	emotes := room.AllowedEmotes
	if len(emotes) == 0 {
		emotes = DefaultEmotes
	}
	idxSeed := fmt.Sprintf("%s:%s:emote", eventID, personaID)
	emoteIdx := det.Index(idxSeed, len(emotes))
	if det.Index(idxSeed+":flip", 2) != 0 {
		return base
	}
	candidate := strings.TrimSpace(base + " " + emotes[emoteIdx])
	return Truncate(candidate, maxChars)
}

// DeterministicGenerator produces replies from hashed template picks, with
// no model behind it. Same event and persona always yield the same reply.
type DeterministicGenerator struct {
	mode string
}

// NewDeterministicGenerator returns the template-based generator.
func NewDeterministicGenerator() *DeterministicGenerator {
	return &DeterministicGenerator{mode: "deterministic"}
}

func (g *DeterministicGenerator) Describe() map[string]any {
	return map[string]any{
		"generation_mode":      g.mode,
		"llm_provider":         nil,
		"llm_model":            nil,
		"prompt_manifest_path": nil,
		"provider_config_path": nil,
	}
}

func (g *DeterministicGenerator) GenerateReply(_ context.Context, in Input) (string, error) {
	personaID := in.Persona.PersonaID
	if personaID == "" {
		personaID = "persona"
	}
	maxChars := in.Persona.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	eventID := in.Event.ID
	if eventID == "" {
		eventID = "evt"
	}
	marker := ExtractMarker(in.Event.Content)

	var reply string
	if reasonOf(in.Tags) == forcedReason || marker != "" {
		token := marker
		if token == "" {
			token = "E2E_MARKER_"
		}
		reply = "got it: " + token + " ✅"
	} else {
		tplSeed := fmt.Sprintf("%s:%s:tpl", eventID, personaID)
		// The family index is drawn modulo families+1 so one extra slot
		// aliases family 0, weighting it double.
		familyIdx := det.Index(tplSeed, len(TemplateFamilies)+1)
		templates := TemplateFamilies[familyIdx%len(TemplateFamilies)]
		choiceIdx := det.Index(tplSeed+":choice", len(templates))
		reply = ChooseFromList(templates, choiceIdx)

		switch familyIdx {
		case 2:
			if echo := SanitizeEcho(in.Event.Content); echo != "" {
				reply = strings.TrimSpace(echo + " " + reply)
			}
		case 3:
			if phrases := in.Persona.Anchor.Catchphrases; len(phrases) > 0 {
				reply = ChooseFromList(phrases, choiceIdx)
			}
		}
		reply = maybeAddEmote(reply, personaID, eventID, in.Room, maxChars)
	}

	reply = Truncate(SanitizeText(StripMentions(reply)), maxChars)
	if reply == "" {
		reply = "ok"
	}
	return reply, nil
}

// BuildPersonaProfile renders the persona anchor into the one-attribute-per-
// line block the prompts embed.
func BuildPersonaProfile(p PersonaSpec) string {
	var lines []string
	if bio := strings.TrimSpace(p.Anchor.Bio); bio != "" {
		lines = append(lines, "bio: "+SanitizeText(bio))
	}
	rules := p.Anchor.VoiceRules
	for _, field := range []struct{ key, value string }{
		{"style", rules.Style},
		{"caps_style", rules.CapsStyle},
		{"punctuation", rules.Punctuation},
		{"emoji_density", rules.EmojiDensity},
	} {
		if strings.TrimSpace(field.value) != "" {
			lines = append(lines, field.key+": "+SanitizeText(field.value))
		}
	}
	for _, field := range []struct {
		key   string
		items []string
	}{
		{"emote_habits", rules.EmoteHabits},
		{"catchphrase_seeds", rules.CatchphraseSeeds},
		{"banned_topics", rules.BannedTopics},
	} {
		if joined := joinSanitized(field.items); joined != "" {
			lines = append(lines, field.key+": "+joined)
		}
	}
	if joined := joinSanitized(p.Anchor.Catchphrases); joined != "" {
		lines = append(lines, "catchphrases: "+joined)
	}
	return strings.Join(lines, "\n")
}

func joinSanitized(items []string) string {
	var cleaned []string
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			cleaned = append(cleaned, SanitizeText(item))
		}
	}
	return strings.Join(cleaned, ", ")
}

// LLMGenerator renders prompts and calls an llm.Provider. It serves both the
// deterministic stub backend and live backends; the provider decides.
type LLMGenerator struct {
	provider           llm.Provider
	renderer           *Renderer
	config             *llm.Config
	maxOutputChars     int
	mode               string
	manifestPath       string
	providerConfigPath string
}

// NewLLMGenerator wires a provider and renderer into a generator.
func NewLLMGenerator(provider llm.Provider, renderer *Renderer, cfg *llm.Config, mode, manifestPath, providerConfigPath string) *LLMGenerator {
	maxOutput := llm.DefaultMaxOutputChars
	if cfg != nil && cfg.MaxOutputChars > 0 {
		maxOutput = cfg.MaxOutputChars
	}
	return &LLMGenerator{
		provider:           provider,
		renderer:           renderer,
		config:             cfg,
		maxOutputChars:     maxOutput,
		mode:               mode,
		manifestPath:       manifestPath,
		providerConfigPath: providerConfigPath,
	}
}

func (g *LLMGenerator) Describe() map[string]any {
	var providerType, model any
	if g.config != nil {
		providerType = g.config.Provider
		switch g.config.Provider {
		case "live":
			if g.config.Live != nil {
				model = g.config.Live.Model
			}
		case "stub":
			model = "stub"
		}
	}
	return map[string]any{
		"generation_mode":      g.mode,
		"llm_provider":         providerType,
		"llm_model":            model,
		"prompt_manifest_path": g.manifestPath,
		"provider_config_path": g.providerConfigPath,
	}
}

// Renderer exposes the prompt renderer for memory extraction prompts.
func (g *LLMGenerator) Renderer() *Renderer { return g.renderer }

// Provider exposes the backend for memory extraction calls.
func (g *LLMGenerator) Provider() llm.Provider { return g.provider }

// BuildRequest assembles the llm.Request for an input without rendering
// prompts.
func (g *LLMGenerator) BuildRequest(in Input) llm.Request {
	roomID := in.Event.RoomID
	if roomID == "" {
		roomID = in.Room.RoomID
	}
	if roomID == "" {
		roomID = "room:demo"
	}
	displayName := in.Persona.DisplayName
	if displayName == "" {
		displayName = in.Persona.PersonaID
	}
	obsSummary := in.ObservationSummary
	if obsSummary == "" {
		obsSummary = ExtractObservationSummary(in.ObservationContext)
	}
	return llm.Request{
		PersonaID:          in.Persona.PersonaID,
		PersonaDisplayName: displayName,
		RoomID:             roomID,
		Content:            in.Event.Content,
		Marker:             ExtractMarker(in.Event.Content),
		RecentMessages:     in.Recent,
		Tags:               in.Tags,
		MemoryContext:      in.MemoryContext,
		ObservationContext: in.ObservationContext,
		ObservationSummary: obsSummary,
		PersonaProfile:     BuildPersonaProfile(in.Persona),
		PromptID:           in.PromptID,
	}
}

func (g *LLMGenerator) GenerateReply(ctx context.Context, in Input) (string, error) {
	maxChars := in.Persona.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}

	req := g.BuildRequest(in)
	var system, user string
	var err error
	if in.Purpose == PurposeAutoCommentary {
		system, user, err = g.renderer.RenderAutoCommentary(req)
	} else {
		system, user, err = g.renderer.RenderPersonaReply(req)
	}
	if err != nil {
		return "", err
	}
	req.SystemPrompt = system
	req.UserPrompt = user

	resp, err := g.provider.Generate(ctx, req)
	if err != nil {
		return "", err
	}

	limit := maxChars
	if g.maxOutputChars < limit {
		limit = g.maxOutputChars
	}
	reply := Truncate(SanitizeText(StripMentions(resp.Text)), limit)
	if reply == "" {
		reply = "ok"
	}
	return reply, nil
}
