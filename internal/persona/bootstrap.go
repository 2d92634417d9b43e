package persona

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/resilience"
	"github.com/chorus-chat/chorus/pkg/genai"
	"github.com/chorus-chat/chorus/pkg/memory"
	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// Bootstrap assembles a ready-to-run worker from loaded configuration: room
// and persona configs, the reply generator, the memory layer and the
// auto-commentary and observation-context settings.
func Bootstrap(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Worker, error) {
	room, err := config.LoadRoomConfig(cfg.Worker.RoomConfigPath)
	if err != nil {
		return nil, err
	}
	personas, err := config.LoadPersonaConfigs(cfg.Worker.PersonaConfigDir, room.EnabledPersonas)
	if err != nil {
		return nil, err
	}

	gen, err := genai.BuildGenerator(".", string(cfg.Worker.GenerationMode),
		cfg.Worker.LLMProviderConfigPath, cfg.Worker.PromptManifestPath)
	if err != nil {
		return nil, err
	}

	autoCfg, err := LoadAutoConfig(cfg.Worker.AutoCommentaryConfigPath)
	if err != nil {
		log.Warn("auto commentary config unavailable, using defaults", "err", err)
	}
	obsCfg, err := LoadObsContextConfig(cfg.Worker.ObservationContextConfigPath)
	if err != nil {
		log.Warn("observation context config unavailable, using defaults", "err", err)
	}

	stats := NewStats()
	mem, err := buildMemoryLayer(ctx, cfg, gen, stats, log)
	if err != nil {
		return nil, err
	}
	mem.RefreshInventory()

	return NewWorker(cfg, log, room, personas, gen, mem, autoCfg, obsCfg, stats), nil
}

// buildMemoryLayer wires the configured memory backend behind a breaker
// group. Remote and postgres backends degrade to the local store; the stub
// backend is the local store, seeded from fixtures when available.
func buildMemoryLayer(ctx context.Context, cfg *config.Config, gen genai.Generator, stats *Stats, log *slog.Logger) (*MemoryLayer, error) {
	layer := &MemoryLayer{
		Enabled:          cfg.Worker.Memory.Enabled,
		MaxItems:         cfg.Worker.Memory.MaxItems,
		MaxChars:         cfg.Worker.Memory.MaxChars,
		ExtractStrategy:  cfg.Worker.Memory.ExtractStrategy,
		ScopeUserEnabled: cfg.Worker.Memory.ScopeUserEnabled,
		Stats:            stats,
		Log:              log,
	}
	if !cfg.Worker.Memory.Enabled {
		return layer, nil
	}

	policy, err := memory.LoadPolicy(cfg.Worker.Memory.PolicyPath)
	if err != nil {
		return nil, err
	}
	layer.Policy = policy

	local := localStore(cfg.Worker.Memory.FixturesPath, log)
	breakerCfg := resilience.BreakerConfig{Name: "memory"}

	switch cfg.Worker.Memory.Backend {
	case "postgres":
		primary, err := memory.NewPostgresStore(ctx, cfg.Worker.Memory.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("persona: postgres memory backend: %w", err)
		}
		group := resilience.NewFallbackGroup[memory.Store]("postgres", primary, breakerCfg, log)
		group.Add("local", local)
		layer.Stores = group
	case "remote":
		apiKey := os.Getenv(cfg.Worker.Memory.RemoteAPIKeyEnv)
		primary, err := memory.NewRemoteStore(memory.RemoteConfig{
			BaseURL:  cfg.Worker.Memory.RemoteBaseURL,
			APIKey:   apiKey,
			MaxItems: cfg.Worker.Memory.MaxItems,
			MaxChars: cfg.Worker.Memory.MaxChars,
		})
		if err != nil {
			return nil, fmt.Errorf("persona: remote memory backend: %w", err)
		}
		group := resilience.NewFallbackGroup[memory.Store]("remote", primary, breakerCfg, log)
		group.Add("local", local)
		layer.Stores = group
	default:
		layer.Stores = resilience.NewFallbackGroup[memory.Store]("local", local, breakerCfg, log)
	}

	if cfg.Worker.Memory.ExtractStrategy == "llm" {
		layer.Extractor = buildExtractor(gen, policy, cfg.Worker.Memory)
		if layer.Extractor == nil {
			log.Warn("llm memory extraction requires a stub or live generator, falling back to heuristic")
			layer.ExtractStrategy = "heuristic"
		}
	}
	return layer, nil
}

func localStore(fixturesPath string, log *slog.Logger) *memory.LocalStore {
	if fixturesPath != "" {
		store, err := memory.NewLocalStoreFromFixtures(fixturesPath)
		if err == nil {
			return store
		}
		log.Warn("memory fixtures unavailable, starting empty", "path", fixturesPath, "err", err)
	}
	return memory.NewLocalStore()
}

// buildExtractor wires the extraction prompt and model behind the generator.
// Only LLM-backed generators carry a renderer and provider; the deterministic
// generator yields nil.
func buildExtractor(gen genai.Generator, policy *memory.Policy, memCfg config.MemoryConfig) *memory.LLMExtractor {
	llmGen, ok := gen.(*genai.LLMGenerator)
	if !ok {
		return nil
	}
	renderer := llmGen.Renderer()
	provider := llmGen.Provider()

	generate := func(ctx context.Context, req memory.ExtractRequest) (string, string, string, error) {
		system, user, err := renderer.RenderMemoryExtract(llm.Request{
			PersonaID:          req.PersonaID,
			PersonaDisplayName: req.PersonaID,
			RoomID:             req.RoomID,
			Content:            req.Content,
			Marker:             req.Marker,
			RecentMessages:     req.RecentMessages,
		})
		if err != nil {
			return "", "", "", err
		}
		resp, err := provider.Generate(ctx, llm.Request{
			PersonaID:      req.PersonaID,
			RoomID:         req.RoomID,
			Content:        req.Content,
			Marker:         req.Marker,
			RecentMessages: req.RecentMessages,
			PromptID:       renderer.PromptID(genai.PurposeMemoryExtract),
			SystemPrompt:   system,
			UserPrompt:     user,
		})
		if err != nil {
			return "", "", "", err
		}
		return resp.Text, resp.Provider, resp.Model, nil
	}
	return memory.NewLLMExtractor(generate, policy, memCfg.MaxItems, memCfg.MaxChars, memCfg.ScopeUserEnabled)
}
