package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Service names the binary a config is loaded for. Defaults differ per
// service (listen address, consumer group).
type Service string

const (
	ServiceGateway   Service = "gateway"
	ServiceWorker    Service = "personaworker"
	ServicePerceiver Service = "perceiver"
)

// Default returns the built-in configuration for a service. Values mirror
// the documented environment defaults.
func Default(service Service) *Config {
	hostname, _ := os.Hostname()
	cfg := &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Bus: BusConfig{
			RedisURL:           "redis://localhost:6379/0",
			IngestStream:       "stream:chat.ingest",
			FirehoseStream:     "stream:chat.firehose",
			FramesStream:       "stream:frames",
			TranscriptsStream:  "stream:transcripts",
			ObservationsStream: "stream:observations",
			ConsumerName:       hostname,
		},
		Gateway: GatewayConfig{
			ContentMaxLength:   200,
			SubscribeTimeoutS:  2.0,
			BroadcastQueueSize: 2000,
			DefaultRoom:        "room:demo",
		},
		Worker: WorkerConfig{
			RoomConfigPath:               "configs/rooms/demo.json",
			PersonaConfigDir:             "configs/personas",
			GenerationMode:               GenerationDeterministic,
			LLMProviderConfigPath:        "configs/llm/providers/stub.json",
			PromptManifestPath:           "prompts/manifest.json",
			AutoCommentaryConfigPath:     "configs/auto_commentary/default.json",
			ObservationContextConfigPath: "configs/observation_context/default.json",
			Memory: MemoryConfig{
				Backend:         "stub",
				PolicyPath:      "configs/memory/default_policy.json",
				FixturesPath:    "data/memory_stub/fixtures/demo.json",
				MaxItems:        5,
				MaxChars:        800,
				ExtractStrategy: "heuristic",
			},
			MaxRecentMessagesPerRoom:   50,
			DedupeCacheSize:            1000,
			MaxReactAgeS:               20,
			PersonaCooldownMSDefault:   1500,
			RoomBotBudgetPer10sDefault: 5,
		},
		Perceiver: PerceiverConfig{
			FrameRoot:              ".",
			LLMProviderConfigPath:  "configs/llm/providers/stub.json",
			PromptManifestPath:     "prompts/manifest.json",
			TranscriptRetentionMS:  120_000,
			TranscriptJoinWindowMS: 30_000,
		},
	}
	switch service {
	case ServiceGateway:
		cfg.Server.ListenAddr = ":8080"
		cfg.Bus.ConsumerGroup = "chat_gateway"
	case ServiceWorker:
		cfg.Server.ListenAddr = ":8090"
		cfg.Bus.ConsumerGroup = "persona_workers"
	case ServicePerceiver:
		cfg.Server.ListenAddr = ":8100"
		cfg.Bus.ConsumerGroup = "stream_perceiver"
	}
	return cfg
}

// Load reads the YAML configuration file at path over the service defaults,
// applies environment overrides, and validates the result. An empty path
// yields the defaults plus environment overrides. A .env file in the
// working directory is loaded first without overriding existing variables.
func Load(path string, service Service) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default(service)
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the service defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals. Environment overrides are not applied.
func LoadFromReader(r io.Reader, service Service) (*Config, error) {
	cfg := Default(service)
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.Bus.RedisURL, "REDIS_URL")
	envString(&cfg.Bus.IngestStream, "INGEST_STREAM")
	envString(&cfg.Bus.FirehoseStream, "FIREHOSE_STREAM")
	envString(&cfg.Bus.FramesStream, "STREAM_FRAMES_KEY")
	envString(&cfg.Bus.TranscriptsStream, "STREAM_TRANSCRIPTS_KEY")
	envString(&cfg.Bus.ObservationsStream, "STREAM_OBSERVATIONS_KEY")
	envString(&cfg.Bus.ConsumerGroup, "CONSUMER_GROUP")
	envString(&cfg.Bus.ConsumerName, "CONSUMER_NAME")

	if port, ok := envInt("HTTP_PORT"); ok {
		cfg.Server.ListenAddr = ":" + strconv.Itoa(port)
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = LogLevel(level)
	}

	envIntField(&cfg.Gateway.ContentMaxLength, "CONTENT_MAX_LENGTH")
	envFloatField(&cfg.Gateway.SubscribeTimeoutS, "SUBSCRIBE_TIMEOUT_S")
	envIntField(&cfg.Gateway.BroadcastQueueSize, "BROADCAST_QUEUE_SIZE")
	envString(&cfg.Gateway.DefaultRoom, "DEFAULT_ROOM")
	envString(&cfg.Gateway.ModerationConfigPath, "MODERATION_CONFIG")

	envString(&cfg.Worker.RoomConfigPath, "ROOM_CONFIG_PATH")
	envString(&cfg.Worker.PersonaConfigDir, "PERSONA_CONFIG_DIR")
	if mode := os.Getenv("GENERATION_MODE"); mode != "" {
		cfg.Worker.GenerationMode = GenerationMode(mode)
	}
	envString(&cfg.Worker.LLMProviderConfigPath, "LLM_PROVIDER_CONFIG_PATH")
	envString(&cfg.Worker.PromptManifestPath, "PROMPT_MANIFEST_PATH")
	envString(&cfg.Worker.AutoCommentaryConfigPath, "AUTO_COMMENTARY_CONFIG_PATH")
	envString(&cfg.Worker.ObservationContextConfigPath, "OBSERVATION_CONTEXT_CONFIG_PATH")

	envBoolField(&cfg.Worker.Memory.Enabled, "MEMORY_ENABLED")
	envString(&cfg.Worker.Memory.Backend, "MEMORY_BACKEND")
	envString(&cfg.Worker.Memory.PolicyPath, "MEMORY_POLICY_PATH")
	envString(&cfg.Worker.Memory.FixturesPath, "MEMORY_FIXTURES_PATH")
	envString(&cfg.Worker.Memory.PostgresDSN, "MEMORY_POSTGRES_DSN")
	envString(&cfg.Worker.Memory.RemoteBaseURL, "MEM0_BASE_URL")
	envIntField(&cfg.Worker.Memory.MaxItems, "MEMORY_MAX_ITEMS")
	envIntField(&cfg.Worker.Memory.MaxChars, "MEMORY_MAX_CHARS")
	envString(&cfg.Worker.Memory.ExtractStrategy, "MEMORY_EXTRACT_STRATEGY")
	envBoolField(&cfg.Worker.Memory.ScopeUserEnabled, "MEMORY_SCOPE_USER_ENABLED")

	envIntField(&cfg.Worker.MaxRecentMessagesPerRoom, "MAX_RECENT_MESSAGES_PER_ROOM")
	envIntField(&cfg.Worker.DedupeCacheSize, "DEDUPE_CACHE_SIZE")
	envFloatField(&cfg.Worker.MaxReactAgeS, "MAX_REACT_AGE_S")
	envInt64Field(&cfg.Worker.PersonaCooldownMSDefault, "PERSONA_COOLDOWN_MS_DEFAULT")
	envIntField(&cfg.Worker.RoomBotBudgetPer10sDefault, "ROOM_BOT_BUDGET_PER_10S_DEFAULT")

	envString(&cfg.Perceiver.FrameRoot, "FRAME_ROOT")
	envString(&cfg.Perceiver.LLMProviderConfigPath, "PERCEIVER_LLM_PROVIDER_CONFIG_PATH")
	envString(&cfg.Perceiver.PromptManifestPath, "PERCEIVER_PROMPT_MANIFEST_PATH")
	envInt64Field(&cfg.Perceiver.TranscriptRetentionMS, "TRANSCRIPT_BUFFER_RETENTION_MS")
	envInt64Field(&cfg.Perceiver.TranscriptJoinWindowMS, "TRANSCRIPT_JOIN_WINDOW_MS")
}

func envString(dst *string, name string) {
	if value := os.Getenv(name); value != "" {
		*dst = value
	}
}

func envInt(name string) (int, bool) {
	value := os.Getenv(name)
	if value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envIntField(dst *int, name string) {
	if n, ok := envInt(name); ok {
		*dst = n
	}
}

func envInt64Field(dst *int64, name string) {
	if n, ok := envInt(name); ok {
		*dst = int64(n)
	}
}

func envFloatField(dst *float64, name string) {
	if value := os.Getenv(name); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = f
		}
	}
}

func envBoolField(dst *bool, name string) {
	if value := os.Getenv(name); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			*dst = b
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Bus.RedisURL == "" {
		errs = append(errs, errors.New("bus.redis_url is required"))
	}
	for _, stream := range []struct{ name, value string }{
		{"bus.ingest_stream", cfg.Bus.IngestStream},
		{"bus.firehose_stream", cfg.Bus.FirehoseStream},
		{"bus.frames_stream", cfg.Bus.FramesStream},
		{"bus.transcripts_stream", cfg.Bus.TranscriptsStream},
		{"bus.observations_stream", cfg.Bus.ObservationsStream},
	} {
		if stream.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", stream.name))
		}
	}
	if cfg.Gateway.ContentMaxLength <= 0 {
		errs = append(errs, fmt.Errorf("gateway.content_max_length %d must be positive", cfg.Gateway.ContentMaxLength))
	}
	if cfg.Gateway.SubscribeTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("gateway.subscribe_timeout_s %.2f must be positive", cfg.Gateway.SubscribeTimeoutS))
	}
	if cfg.Gateway.BroadcastQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("gateway.broadcast_queue_size %d must be positive", cfg.Gateway.BroadcastQueueSize))
	}
	if !cfg.Worker.GenerationMode.IsValid() {
		errs = append(errs, fmt.Errorf("worker.generation_mode %q is invalid; valid values: deterministic, stub, live", cfg.Worker.GenerationMode))
	}
	switch cfg.Worker.Memory.Backend {
	case "", "stub", "postgres", "remote":
	default:
		errs = append(errs, fmt.Errorf("worker.memory.backend %q is invalid; valid values: stub, postgres, remote", cfg.Worker.Memory.Backend))
	}
	switch cfg.Worker.Memory.ExtractStrategy {
	case "", "heuristic", "llm", "off":
	default:
		errs = append(errs, fmt.Errorf("worker.memory.extract_strategy %q is invalid; valid values: heuristic, llm, off", cfg.Worker.Memory.ExtractStrategy))
	}
	if cfg.Worker.DedupeCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.dedupe_cache_size %d must be positive", cfg.Worker.DedupeCacheSize))
	}
	if cfg.Worker.MaxRecentMessagesPerRoom <= 0 {
		errs = append(errs, fmt.Errorf("worker.max_recent_messages_per_room %d must be positive", cfg.Worker.MaxRecentMessagesPerRoom))
	}
	if cfg.Perceiver.TranscriptJoinWindowMS < 0 {
		errs = append(errs, fmt.Errorf("perceiver.transcript_join_window_ms %d must not be negative", cfg.Perceiver.TranscriptJoinWindowMS))
	}

	return errors.Join(errs...)
}
