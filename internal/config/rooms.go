package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// TimingConfig drives the chat-reactive decision engine for a room.
// Zero-value fields fall back to the worker defaults.
type TimingConfig struct {
	PBase              float64  `json:"p_base" validate:"gte=0,lte=1"`
	PMentionBonus      float64  `json:"p_mention_bonus" validate:"gte=0,lte=1"`
	PHypeBonus         float64  `json:"p_hype_bonus" validate:"gte=0,lte=1"`
	PRatePenaltyPerMsg float64  `json:"p_rate_penalty_per_msg" validate:"gte=0"`
	SoftCooldownMS     int64    `json:"soft_cooldown_ms" validate:"gte=0"`
	HardCooldownMS     *int64   `json:"hard_cooldown_ms,omitempty"`
	MaxBotMsgsPer10s   int      `json:"max_bot_msgs_per_10s" validate:"gte=0"`
	BotReactToBotWt    *float64 `json:"bot_react_to_bot_weight,omitempty"`
}

// EmotePolicy lists the emotes bots may append in a room.
type EmotePolicy struct {
	AllowedEmotes []string `json:"allowed_emotes"`
}

// RoomConfig is the JSON room configuration, immutable at process start.
type RoomConfig struct {
	SchemaName      string       `json:"schema_name,omitempty"`
	SchemaVersion   string       `json:"schema_version,omitempty"`
	RoomID          string       `json:"room_id" validate:"required"`
	EnabledPersonas []string     `json:"enabled_personas" validate:"required,min=1"`
	Timing          TimingConfig `json:"timing"`
	EmotePolicy     EmotePolicy  `json:"emote_policy"`
}

// VoiceRulesConfig describes how a persona writes.
type VoiceRulesConfig struct {
	Style            string   `json:"style,omitempty"`
	CapsStyle        string   `json:"caps_style,omitempty"`
	Punctuation      string   `json:"punctuation,omitempty"`
	EmojiDensity     string   `json:"emoji_density,omitempty"`
	EmoteHabits      []string `json:"emote_habits,omitempty"`
	CatchphraseSeeds []string `json:"catchphrase_seeds,omitempty"`
	BannedTopics     []string `json:"banned_topics,omitempty"`
}

// AnchorConfig is the persona's grounding material for prompts.
type AnchorConfig struct {
	Bio          string           `json:"bio,omitempty"`
	VoiceRules   VoiceRulesConfig `json:"voice_rules"`
	Catchphrases []string         `json:"catchphrases,omitempty"`
}

// SafetyConfig bounds what a persona may publish. A zero MaxChars falls
// back to the generator default.
type SafetyConfig struct {
	MaxChars int `json:"max_chars" validate:"gte=0"`
}

// PresentationConfig decorates published messages.
type PresentationConfig struct {
	DisplayName string            `json:"display_name,omitempty"`
	Badges      []string          `json:"badges,omitempty"`
	Style       map[string]string `json:"style,omitempty"`
}

// PersonaConfig is the JSON persona configuration, immutable at process
// start.
type PersonaConfig struct {
	SchemaName    string             `json:"schema_name,omitempty"`
	SchemaVersion string             `json:"schema_version,omitempty"`
	PersonaID     string             `json:"persona_id" validate:"required"`
	DisplayName   string             `json:"display_name,omitempty"`
	Safety        SafetyConfig       `json:"safety"`
	Anchor        AnchorConfig       `json:"anchor"`
	Presentation  PresentationConfig `json:"presentation"`
}

// EffectiveDisplayName resolves the name the decision engine matches
// mentions against and publishes under.
func (p *PersonaConfig) EffectiveDisplayName() string {
	if p.Presentation.DisplayName != "" {
		return p.Presentation.DisplayName
	}
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.PersonaID
}

// LoadRoomConfig reads and validates the room JSON config.
func LoadRoomConfig(path string) (*RoomConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: room config: %w", err)
	}
	room := &RoomConfig{}
	if err := json.Unmarshal(raw, room); err != nil {
		return nil, fmt.Errorf("config: room config %q: %w", path, err)
	}
	if err := validate.Struct(room); err != nil {
		return nil, fmt.Errorf("config: room config %q invalid: %w", path, err)
	}
	return room, nil
}

// LoadPersonaConfigs reads every *.json file in dir, validates each, and
// returns the personas named in enabled, keyed by persona id. Files for
// personas outside the enabled set are validated but skipped.
func LoadPersonaConfigs(dir string, enabled []string) (map[string]*PersonaConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("config: persona config dir: %w", err)
	}
	enabledSet := map[string]bool{}
	for _, id := range enabled {
		enabledSet[id] = true
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	personas := map[string]*PersonaConfig{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: persona config %q: %w", path, err)
		}
		persona := &PersonaConfig{}
		if err := json.Unmarshal(raw, persona); err != nil {
			return nil, fmt.Errorf("config: persona config %q: %w", path, err)
		}
		if err := validate.Struct(persona); err != nil {
			return nil, fmt.Errorf("config: persona config %q invalid: %w", path, err)
		}
		if enabledSet[persona.PersonaID] {
			personas[persona.PersonaID] = persona
		}
	}
	return personas, nil
}
