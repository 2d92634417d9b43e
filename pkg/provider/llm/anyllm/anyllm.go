// Package anyllm provides a live llm.Provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// Usage:
//
//	p, err := anyllm.New("openai", "gpt-4o", 220, anyllmlib.WithAPIKey("sk-..."))
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", 220, anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend        anyllmlib.Provider
	backendName    string
	model          string
	maxOutputChars int
	temperature    *float64
	maxTokens      *int
	timeout        time.Duration
}

// New creates a Provider backed by the given backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// model is the specific model to use (e.g., "gpt-4o", "claude-3-5-sonnet-latest").
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to its usual environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(backendName, model string, maxOutputChars int, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	if maxOutputChars <= 0 {
		maxOutputChars = llm.DefaultMaxOutputChars
	}
	return &Provider{
		backend:        backend,
		backendName:    strings.ToLower(backendName),
		model:          model,
		maxOutputChars: maxOutputChars,
	}, nil
}

// FromConfig builds a Provider from the live section of a provider config.
// The API key is resolved from the configured environment variable.
func FromConfig(cfg *llm.Config) (*Provider, error) {
	if cfg.Live == nil {
		return nil, fmt.Errorf("anyllm: config has no live section")
	}
	var opts []anyllmlib.Option
	if cfg.Live.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(cfg.Live.APIKeyEnv)); key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
	}
	if cfg.Live.APIBase != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.Live.APIBase))
	}
	p, err := New(cfg.Live.Provider, cfg.Live.Model, cfg.MaxOutputChars, opts...)
	if err != nil {
		return nil, err
	}
	p.temperature = cfg.Live.Temperature
	p.maxTokens = cfg.Live.MaxTokens
	if cfg.TimeoutMS > 0 {
		p.timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return p, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Describe implements llm.Provider.
func (p *Provider) Describe() string { return "live:" + p.backendName }

// Generate implements llm.Provider. The rendered system and user prompts are
// sent as a two-message conversation; the reply is flattened to a single
// line and capped at the configured output length. An empty reply falls back
// to "lol" so personas never publish blank messages.
func (p *Provider) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	userContent := req.UserPrompt
	if userContent == "" {
		userContent = req.Content
	}
	params := anyllmlib.CompletionParams{
		Model: p.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt},
			{Role: "user", Content: userContent},
		},
	}
	if p.temperature != nil {
		t := *p.temperature
		params.Temperature = &t
	}
	if p.maxTokens != nil {
		mt := *p.maxTokens
		params.MaxTokens = &mt
	}

	started := time.Now()
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	text := llm.CleanText(resp.Choices[0].Message.ContentString(), p.maxOutputChars)
	if text == "" {
		text = "lol"
	}
	meta := map[string]any{"model": p.model}
	if resp.Usage != nil {
		meta["usage"] = map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		}
	}
	return &llm.Response{
		Text:      text,
		Provider:  p.Describe(),
		Model:     p.model,
		LatencyMS: time.Since(started).Milliseconds(),
		Meta:      meta,
	}, nil
}
