package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// TestNew_EmptyBackendName checks that an empty backend name returns an error.
func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o", 220)
	if err == nil {
		t.Fatal("expected error for empty backendName")
	}
}

// TestNew_EmptyModel checks that an empty model name returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "", 220)
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_UnsupportedBackend checks that an unsupported backend returns an error.
func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", "some-model", 220, anyllmlib.WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

// TestNew_OpenAI_WithAPIKey checks that the OpenAI backend constructs with a key.
func TestNew_OpenAI_WithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o", 220, anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.model)
	}
	if p.Describe() != "live:openai" {
		t.Errorf("unexpected Describe: %q", p.Describe())
	}
}

// TestNew_Ollama_NoAPIKey checks that Ollama works without an API key.
func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := New("ollama", "llama3", 220)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

// TestFromConfig checks that a live config section wires through.
func TestFromConfig(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-test")
	temp := 0.7
	tokens := 128
	cfg := &llm.Config{
		Provider:       "live",
		TimeoutMS:      5000,
		MaxOutputChars: 180,
		Live: &llm.LiveConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKeyEnv:   "TEST_LLM_KEY",
			Temperature: &temp,
			MaxTokens:   &tokens,
		},
	}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.maxOutputChars != 180 {
		t.Errorf("maxOutputChars = %d", p.maxOutputChars)
	}
	if p.temperature == nil || *p.temperature != 0.7 {
		t.Errorf("temperature = %v", p.temperature)
	}
	if p.maxTokens == nil || *p.maxTokens != 128 {
		t.Errorf("maxTokens = %v", p.maxTokens)
	}
	if p.timeout.Milliseconds() != 5000 {
		t.Errorf("timeout = %v", p.timeout)
	}
}

// TestFromConfig_MissingLiveSection checks the config guard.
func TestFromConfig_MissingLiveSection(t *testing.T) {
	_, err := FromConfig(&llm.Config{Provider: "live"})
	if err == nil {
		t.Fatal("expected error for missing live section")
	}
}
