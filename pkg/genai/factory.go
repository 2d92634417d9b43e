package genai

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
	"github.com/chorus-chat/chorus/pkg/provider/llm/anyllm"
	"github.com/chorus-chat/chorus/pkg/provider/llm/stub"
)

// BuildProvider loads the provider config, applies env overrides, and
// constructs the matching backend. Returns the provider, the effective
// config, and the output cap.
func BuildProvider(baseDir, providerConfigPath string) (llm.Provider, *llm.Config, int, error) {
	cfg, err := llm.LoadConfig(filepath.Join(baseDir, providerConfigPath))
	if err != nil {
		return nil, nil, 0, err
	}
	maxOutputChars := cfg.MaxOutputChars
	if maxOutputChars <= 0 {
		maxOutputChars = llm.DefaultMaxOutputChars
	}

	switch cfg.Provider {
	case "stub":
		stubCfg := cfg.Stub
		if stubCfg == nil {
			stubCfg = &llm.StubConfig{}
		}
		defaultResponse := stubCfg.DefaultResponse
		if defaultResponse == "" {
			defaultResponse = "ok"
		}
		keyStrategy := stubCfg.KeyStrategy
		if keyStrategy == "" {
			keyStrategy = stub.KeyStrategyPersonaMarker
		}
		provider, err := stub.New(filepath.Join(baseDir, stubCfg.FixturesPath), defaultResponse, keyStrategy, maxOutputChars)
		if err != nil {
			return nil, nil, 0, err
		}
		return provider, cfg, maxOutputChars, nil
	case "live":
		provider, err := anyllm.FromConfig(cfg)
		if err != nil {
			return nil, nil, 0, err
		}
		return provider, cfg, maxOutputChars, nil
	default:
		return nil, nil, 0, fmt.Errorf("genai: unsupported provider type: %s", cfg.Provider)
	}
}

// BuildGenerator constructs the reply generator for a generation mode.
// Modes "stub" and "live" route through an llm.Provider; anything else
// yields the deterministic template generator.
func BuildGenerator(baseDir, mode, providerConfigPath, promptManifestPath string) (Generator, error) {
	normalized := strings.ToLower(strings.TrimSpace(mode))
	if normalized != "stub" && normalized != "live" {
		return NewDeterministicGenerator(), nil
	}

	provider, cfg, _, err := BuildProvider(baseDir, providerConfigPath)
	if err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(baseDir, promptManifestPath)
	renderer, err := NewRenderer(manifestPath, baseDir)
	if err != nil {
		return nil, err
	}
	return NewLLMGenerator(provider, renderer, cfg, normalized, manifestPath, filepath.Join(baseDir, providerConfigPath)), nil
}
