// Package config provides the configuration schema and loaders for the
// chorus services: the YAML root config shared by the three binaries and
// the JSON room/persona configs that drive the persona workers.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// GenerationMode selects how persona replies are produced.
type GenerationMode string

const (
	// GenerationDeterministic uses the hashed template generator.
	GenerationDeterministic GenerationMode = "deterministic"

	// GenerationStub renders prompts against the fixture-backed stub
	// backend.
	GenerationStub GenerationMode = "stub"

	// GenerationLive renders prompts against a live model backend.
	GenerationLive GenerationMode = "live"
)

// IsValid reports whether g is a recognised generation mode.
func (g GenerationMode) IsValid() bool {
	switch g {
	case GenerationDeterministic, GenerationStub, GenerationLive:
		return true
	}
	return false
}

// Config is the root configuration for a chorus service process.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader];
// environment variables override the operational knobs afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Bus       BusConfig       `yaml:"bus"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Worker    WorkerConfig    `yaml:"worker"`
	Perceiver PerceiverConfig `yaml:"perceiver"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP surface listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BusConfig holds the Redis Streams connection and stream names.
type BusConfig struct {
	// RedisURL is the broker connection URL
	// (e.g., "redis://localhost:6379/0").
	RedisURL string `yaml:"redis_url"`

	// IngestStream carries raw inbound messages to the gateway and
	// persona replies back in.
	IngestStream string `yaml:"ingest_stream"`

	// FirehoseStream carries sanitized messages from the gateway to the
	// persona workers.
	FirehoseStream string `yaml:"firehose_stream"`

	// FramesStream and TranscriptsStream feed the perceiver.
	FramesStream      string `yaml:"frames_stream"`
	TranscriptsStream string `yaml:"transcripts_stream"`

	// ObservationsStream carries perceiver observations to the workers.
	ObservationsStream string `yaml:"observations_stream"`

	// ConsumerGroup and ConsumerName identify this process to the broker.
	// ConsumerName defaults to the hostname.
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
}

// GatewayConfig holds the chat gateway's safety and fan-out settings.
type GatewayConfig struct {
	// ContentMaxLength caps sanitized message content, in characters.
	ContentMaxLength int `yaml:"content_max_length"`

	// SubscribeTimeoutS bounds the websocket subscribe handshake.
	SubscribeTimeoutS float64 `yaml:"subscribe_timeout_s"`

	// BroadcastQueueSize bounds the fan-out hub's pending queue.
	BroadcastQueueSize int `yaml:"broadcast_queue_size"`

	// DefaultRoom is joined when a client sends no valid subscribe
	// request inside the handshake timeout.
	DefaultRoom string `yaml:"default_room"`

	// ModerationConfigPath points at the JSON moderation pattern list.
	// Empty disables moderation beyond sanitization.
	ModerationConfigPath string `yaml:"moderation_config_path"`
}

// MemoryConfig holds the persona workers' memory layer settings.
type MemoryConfig struct {
	// Enabled switches the whole memory layer.
	Enabled bool `yaml:"enabled"`

	// Backend selects the store: "stub" (local, fixture-seeded),
	// "postgres" or "remote".
	Backend string `yaml:"backend"`

	// PolicyPath points at the JSON write policy.
	PolicyPath string `yaml:"policy_path"`

	// FixturesPath seeds the local store.
	FixturesPath string `yaml:"fixtures_path"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RemoteBaseURL and RemoteAPIKeyEnv configure the remote HTTP store.
	RemoteBaseURL   string `yaml:"remote_base_url"`
	RemoteAPIKeyEnv string `yaml:"remote_api_key_env"`

	// MaxItems and MaxChars bound the memory block injected into prompts.
	MaxItems int `yaml:"max_items"`
	MaxChars int `yaml:"max_chars"`

	// ExtractStrategy selects how facts are mined from chat:
	// "heuristic", "llm" or "off".
	ExtractStrategy string `yaml:"extract_strategy"`

	// ScopeUserEnabled allows persona_user scoped writes.
	ScopeUserEnabled bool `yaml:"scope_user_enabled"`
}

// WorkerConfig holds the persona worker settings.
type WorkerConfig struct {
	// RoomConfigPath points at the room JSON config.
	RoomConfigPath string `yaml:"room_config_path"`

	// PersonaConfigDir holds one JSON file per persona.
	PersonaConfigDir string `yaml:"persona_config_dir"`

	// GenerationMode selects the reply generator.
	GenerationMode GenerationMode `yaml:"generation_mode"`

	// LLMProviderConfigPath and PromptManifestPath configure the LLM
	// generator (used for modes stub and live).
	LLMProviderConfigPath string `yaml:"llm_provider_config_path"`
	PromptManifestPath    string `yaml:"prompt_manifest_path"`

	// AutoCommentaryConfigPath points at the auto-commentary JSON config.
	// Empty disables unprompted commentary.
	AutoCommentaryConfigPath string `yaml:"auto_commentary_config_path"`

	// ObservationContextConfigPath points at the observation-context
	// formatting JSON config. Empty uses built-in defaults.
	ObservationContextConfigPath string `yaml:"observation_context_config_path"`

	Memory MemoryConfig `yaml:"memory"`

	// MaxRecentMessagesPerRoom bounds each room's recent-context ring.
	MaxRecentMessagesPerRoom int `yaml:"max_recent_messages_per_room"`

	// DedupeCacheSize bounds the consumed-message-id LRU.
	DedupeCacheSize int `yaml:"dedupe_cache_size"`

	// MaxReactAgeS drops triggering messages older than this.
	MaxReactAgeS float64 `yaml:"max_react_age_s"`

	// PersonaCooldownMSDefault applies when a room sets no soft cooldown.
	PersonaCooldownMSDefault int64 `yaml:"persona_cooldown_ms_default"`

	// RoomBotBudgetPer10sDefault applies when a room sets no bot budget.
	RoomBotBudgetPer10sDefault int `yaml:"room_bot_budget_per_10s_default"`
}

// PerceiverConfig holds the stream perceiver settings.
type PerceiverConfig struct {
	// FrameRoot is the repo root frame paths resolve against; paths
	// beginning with /app/ are aliased to it.
	FrameRoot string `yaml:"frame_root"`

	// LLMProviderConfigPath and PromptManifestPath configure the
	// observation backend.
	LLMProviderConfigPath string `yaml:"llm_provider_config_path"`
	PromptManifestPath    string `yaml:"prompt_manifest_path"`

	// TranscriptRetentionMS bounds the per-room transcript ring by age.
	TranscriptRetentionMS int64 `yaml:"transcript_retention_ms"`

	// TranscriptJoinWindowMS is the ± window around a frame timestamp
	// when gathering transcripts.
	TranscriptJoinWindowMS int64 `yaml:"transcript_join_window_ms"`
}
