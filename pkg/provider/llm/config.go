package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Defaults applied when a provider config omits the fields.
const (
	DefaultTimeoutMS      = 30000
	DefaultMaxOutputChars = 220
)

// StubConfig configures the deterministic backend.
type StubConfig struct {
	FixturesPath    string `json:"fixtures_path"`
	DefaultResponse string `json:"default_response,omitempty"`
	KeyStrategy     string `json:"key_strategy,omitempty"`
}

// LiveConfig configures an any-llm-go backend.
type LiveConfig struct {
	// Provider is the backend name: openai, anthropic, gemini, ollama,
	// deepseek, mistral, groq, llamacpp or llamafile.
	Provider string `json:"provider"`

	Model       string   `json:"model"`
	APIBase     string   `json:"api_base,omitempty"`
	APIKeyEnv   string   `json:"api_key_env,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}

// Config is the JSON provider configuration document.
type Config struct {
	SchemaName     string      `json:"schema_name,omitempty"`
	SchemaVersion  string      `json:"schema_version,omitempty"`
	Provider       string      `json:"provider"`
	Mode           string      `json:"mode,omitempty"`
	TimeoutMS      int         `json:"timeout_ms,omitempty"`
	MaxOutputChars int         `json:"max_output_chars,omitempty"`
	Stub           *StubConfig `json:"stub,omitempty"`
	Live           *LiveConfig `json:"live,omitempty"`
}

// LoadConfig reads a provider config file, applies the defaults and any
// LLM_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("llm: read provider config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("llm: decode provider config %s: %w", path, err)
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = DefaultTimeoutMS
	}
	if cfg.MaxOutputChars <= 0 {
		cfg.MaxOutputChars = DefaultMaxOutputChars
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func selectAPIKeyEnv(existing string, candidates []string) string {
	for _, name := range candidates {
		if strings.TrimSpace(os.Getenv(name)) != "" {
			return name
		}
	}
	if existing != "" {
		return existing
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// ApplyEnvOverrides switches the provider via LLM_PROVIDER ("stub" or
// "live") and, for live runs, pulls model and endpoint from LLM_MODEL,
// PERSONA_LLM_MODEL, LLM_BASE_URL and the first populated API key variable.
// Without LLM_PROVIDER the config file stands as written.
func (c *Config) ApplyEnvOverrides() error {
	override := envValue("LLM_PROVIDER")
	if override == "" {
		return nil
	}
	normalized := strings.ToLower(override)
	if normalized != "stub" && normalized != "live" {
		return fmt.Errorf("llm: unsupported LLM_PROVIDER override: %s", override)
	}

	if c.SchemaName == "" {
		c.SchemaName = "LLMProviderConfig"
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1.0.0"
	}

	if normalized == "live" {
		live := c.Live
		if live == nil {
			live = &LiveConfig{}
		}
		if model := envValue("LLM_MODEL", "PERSONA_LLM_MODEL"); model != "" {
			live.Model = model
		}
		if strings.TrimSpace(live.Model) == "" {
			return fmt.Errorf("llm: LLM_MODEL or PERSONA_LLM_MODEL is required for LLM_PROVIDER=live")
		}
		if base := envValue("LLM_BASE_URL"); base != "" {
			live.APIBase = base
		}
		if keyEnv := selectAPIKeyEnv(live.APIKeyEnv, []string{"LLM_API_KEY", "OPENAI_API_KEY"}); keyEnv != "" {
			live.APIKeyEnv = keyEnv
		}
		if live.Provider == "" {
			live.Provider = "openai"
		}
		c.Live = live
		c.Provider = "live"
		c.Mode = "live"
	} else {
		c.Provider = "stub"
		c.Mode = "deterministic_stub"
	}
	return nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanText flattens reply text to a single line, removes mention sigils and
// caps the length. Over-long text keeps maxChars-1 characters plus an
// ellipsis.
func CleanText(text string, maxChars int) string {
	flat := strings.NewReplacer("\n", " ", "\r", " ").Replace(text)
	flat = strings.TrimSpace(whitespaceRun.ReplaceAllString(flat, " "))
	flat = strings.ReplaceAll(flat, "@", "")
	runes := []rune(flat)
	if len(runes) > maxChars {
		if maxChars > 1 {
			return string(runes[:maxChars-1]) + "…"
		}
		return string(runes[:maxChars])
	}
	return flat
}
