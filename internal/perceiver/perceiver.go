package perceiver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/chorus-chat/chorus/internal/bus"
	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/observe"
	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/pkg/genai"
	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

const (
	readBatch = 50
	readBlock = time.Second
)

// observationRequest is the payload rendered into the observation prompt.
type observationRequest struct {
	PromptID      string                              `json:"prompt_id"`
	PromptSHA256  string                              `json:"prompt_sha256"`
	TraceTemplate protocol.ObservationTrace           `json:"trace_template"`
	Frame         *protocol.StreamFrame               `json:"frame"`
	Transcripts   []*protocol.StreamTranscriptSegment `json:"transcripts"`
}

// streamClient is the bus surface the per-entry handlers touch. *bus.Client
// implements it; tests substitute a fake.
type streamClient interface {
	Ack(ctx context.Context, stream, group, id string)
	Append(ctx context.Context, stream string, payload []byte) (string, error)
}

// Perceiver consumes the frames and transcripts streams, joins them per
// room and emits structured observations.
type Perceiver struct {
	Bus     config.BusConfig
	Cfg     config.PerceiverConfig
	Log     *slog.Logger
	Stats   *Stats
	Metrics *observe.Metrics

	provider     llm.Provider
	renderer     *genai.Renderer
	providerType string
	model        string
	buffer       *TranscriptBuffer
}

func (p *Perceiver) metrics() *observe.Metrics {
	if p.Metrics != nil {
		return p.Metrics
	}
	return observe.DefaultMetrics()
}

// New builds the perceiver from the service config: provider and prompt
// manifest resolve against the frame root.
func New(cfg *config.Config, log *slog.Logger) (*Perceiver, error) {
	root := cfg.Perceiver.FrameRoot
	if root == "" {
		root = "."
	}
	provider, providerCfg, _, err := genai.BuildProvider(root, cfg.Perceiver.LLMProviderConfigPath)
	if err != nil {
		return nil, fmt.Errorf("perceiver: build provider: %w", err)
	}
	renderer, err := genai.NewRenderer(filepath.Join(root, cfg.Perceiver.PromptManifestPath), root)
	if err != nil {
		return nil, fmt.Errorf("perceiver: %w", err)
	}
	model := "stub"
	if providerCfg.Provider == "live" {
		model = "unknown"
		if providerCfg.Live != nil && providerCfg.Live.Model != "" {
			model = providerCfg.Live.Model
		}
	}
	return &Perceiver{
		Bus:          cfg.Bus,
		Cfg:          cfg.Perceiver,
		Log:          log,
		Stats:        &Stats{},
		provider:     provider,
		renderer:     renderer,
		providerType: providerCfg.Provider,
		model:        model,
		buffer:       NewTranscriptBuffer(cfg.Perceiver.TranscriptRetentionMS),
	}, nil
}

// Describe reports the backing provider and model for the stats surface.
func (p *Perceiver) Describe() map[string]any {
	return map[string]any{
		"provider": p.providerType,
		"model":    p.model,
	}
}

// Run blocks until the context is cancelled, reconnecting on bus failures.
func (p *Perceiver) Run(ctx context.Context) error {
	loop := &bus.Loop{
		Name: "perceiver",
		URL:  p.Bus.RedisURL,
		Log:  p.Log,
		Init: func(ctx context.Context, client *bus.Client) error {
			if err := client.EnsureGroup(ctx, p.Bus.FramesStream, p.Bus.ConsumerGroup); err != nil {
				return err
			}
			return client.EnsureGroup(ctx, p.Bus.TranscriptsStream, p.Bus.ConsumerGroup)
		},
		Step: p.step,
	}
	return loop.Run(ctx)
}

func (p *Perceiver) step(ctx context.Context, client *bus.Client) error {
	entries, err := client.ReadGroup(ctx, p.Bus.ConsumerGroup, p.Bus.ConsumerName,
		[]string{p.Bus.TranscriptsStream, p.Bus.FramesStream}, readBatch, readBlock)
	if err != nil {
		if bus.IsConnError(err) {
			p.Stats.Mutate(func(s *Stats) { s.BusFailures++ })
		}
		return err
	}
	for _, entry := range entries {
		p.handle(ctx, client, entry)
	}
	return nil
}

func (p *Perceiver) handle(ctx context.Context, client streamClient, entry bus.Entry) {
	defer client.Ack(ctx, entry.Stream, p.Bus.ConsumerGroup, entry.ID)
	p.metrics().RecordConsumed(ctx, "perceiver", entry.Stream)

	switch entry.Stream {
	case p.Bus.TranscriptsStream:
		p.Stats.Mutate(func(s *Stats) { s.ProcessedTranscripts++ })
		var seg protocol.StreamTranscriptSegment
		if err := json.Unmarshal(entry.Data, &seg); err != nil {
			p.schemaFailure("transcript", entry.ID, err)
			return
		}
		if err := protocol.ValidateTranscriptSegment(&seg); err != nil {
			p.schemaFailure("transcript", entry.ID, err)
			return
		}
		p.buffer.Record(&seg, entryTSMS(seg.TS, entry.ID))
	case p.Bus.FramesStream:
		p.Stats.Mutate(func(s *Stats) { s.ProcessedFrames++ })
		var frame protocol.StreamFrame
		if err := json.Unmarshal(entry.Data, &frame); err != nil {
			p.schemaFailure("frame", entry.ID, err)
			return
		}
		if err := protocol.ValidateStreamFrame(&frame); err != nil {
			p.schemaFailure("frame", entry.ID, err)
			return
		}
		p.processFrame(ctx, client, &frame, entry.ID)
	default:
		p.Log.Warn("entry from unknown stream", "stream", entry.Stream, "id", entry.ID)
	}
}

func (p *Perceiver) schemaFailure(kind, entryID string, err error) {
	p.Stats.Mutate(func(s *Stats) { s.SchemaFailures++ })
	p.Log.Warn("failed to process "+kind, "id", entryID, "err", err)
}

// entryTSMS resolves a payload timestamp, falling back to the stream entry
// id's millisecond prefix.
func entryTSMS(ts, entryID string) int64 {
	if ms, err := protocol.TimestampMS(ts); err == nil {
		return ms
	}
	return bus.EntryMS(entryID)
}

func (p *Perceiver) processFrame(ctx context.Context, client streamClient, frame *protocol.StreamFrame, entryID string) {
	frameStart := time.Now()
	defer func() {
		p.metrics().RecordFrameDuration(ctx, time.Since(frameStart).Seconds())
	}()

	tsMS := entryTSMS(frame.TS, entryID)
	p.buffer.AdvanceWatermark(frame.RoomID, tsMS)

	resolved := ResolveFramePath(frame.FramePath, p.Cfg.FrameRoot)
	if _, err := os.Stat(resolved); err != nil {
		p.Stats.Mutate(func(s *Stats) { s.FileMissing++ })
		p.Log.Warn("frame file missing", "frame", frame.ID, "path", resolved)
		return
	}
	actualSHA, err := FileSHA256(resolved)
	if err != nil {
		p.Stats.Mutate(func(s *Stats) { s.FileMissing++ })
		p.Log.Warn("frame file unreadable", "frame", frame.ID, "path", resolved, "err", err)
		return
	}
	expectedSHA := strings.ToLower(frame.SHA256)
	if actualSHA != expectedSHA {
		p.Stats.Mutate(func(s *Stats) { s.SHAMismatch++ })
		p.Log.Warn("frame sha mismatch", "frame", frame.ID, "expected", expectedSHA, "actual", actualSHA)
		return
	}

	transcripts := p.buffer.Join(frame.RoomID, tsMS, p.Cfg.TranscriptJoinWindowMS)
	var combined []string
	for _, seg := range transcripts {
		if seg.Text != "" {
			combined = append(combined, seg.Text)
		}
	}

	promptID := p.renderer.PromptID(genai.PurposeStreamObs)
	promptSHA := p.renderer.PromptSHA256(genai.PurposeStreamObs)
	stubLatency := int64(0)
	if p.providerType == "stub" {
		stubLatency = 1
	}
	payload, err := protocol.CanonicalJSON(observationRequest{
		PromptID:     promptID,
		PromptSHA256: promptSHA,
		TraceTemplate: protocol.ObservationTrace{
			Provider:     p.providerType,
			Model:        p.model,
			LatencyMS:    stubLatency,
			PromptID:     promptID,
			PromptSHA256: promptSHA,
		},
		Frame:       frame,
		Transcripts: transcripts,
	})
	if err != nil {
		p.schemaFailure("frame", entryID, err)
		return
	}

	system, user, err := p.renderer.RenderStreamObservation(string(payload))
	if err != nil {
		p.schemaFailure("frame", entryID, err)
		return
	}
	req := llm.Request{
		PersonaID:          "stream_perceiver",
		PersonaDisplayName: "stream_perceiver",
		RoomID:             frame.RoomID,
		Content:            strings.TrimSpace(strings.Join(combined, " ")),
		PromptID:           promptID,
		SystemPrompt:       system,
		UserPrompt:         user,
	}

	p.Stats.Mutate(func(s *Stats) { s.LLMCalls++ })
	started := time.Now()
	resp, err := p.provider.Generate(ctx, req)
	p.metrics().RecordLLMDuration(ctx, p.providerType, genai.PurposeStreamObs, time.Since(started).Seconds())
	if err != nil {
		p.Stats.Mutate(func(s *Stats) { s.LLMFailures++ })
		p.metrics().RecordProviderError(ctx, p.providerType, genai.PurposeStreamObs)
		p.Log.Warn("observation call failed", "frame", frame.ID, "err", err)
		return
	}
	elapsedMS := time.Since(started).Milliseconds()

	obs, err := p.decodeObservation(resp.Text, frame, expectedSHA, transcripts, elapsedMS)
	if err != nil {
		p.Stats.Mutate(func(s *Stats) { s.SchemaFailures++ })
		p.Log.Warn("invalid observation output", "frame", frame.ID, "err", err)
		return
	}

	raw, err := protocol.Encode(obs)
	if err != nil {
		p.Stats.Mutate(func(s *Stats) { s.SchemaFailures++ })
		return
	}
	if _, err := client.Append(ctx, p.Bus.ObservationsStream, raw); err != nil {
		p.Log.Warn("failed to append observation", "frame", frame.ID, "err", err)
		return
	}
	p.Stats.Mutate(func(s *Stats) { s.EmittedObservations++ })
	p.metrics().RecordObservationEmitted(ctx)
}

// decodeObservation parses the model output and cross-checks it against the
// frame it was asked about. Live providers get their trace overwritten with
// the measured call identity.
func (p *Perceiver) decodeObservation(text string, frame *protocol.StreamFrame, expectedSHA string, transcripts []*protocol.StreamTranscriptSegment, elapsedMS int64) (*protocol.StreamObservation, error) {
	var obs protocol.StreamObservation
	if err := json.Unmarshal([]byte(text), &obs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if p.providerType != "stub" {
		obs.Trace = protocol.ObservationTrace{
			Provider:     p.providerType,
			Model:        p.model,
			LatencyMS:    elapsedMS,
			PromptID:     p.renderer.PromptID(genai.PurposeStreamObs),
			PromptSHA256: p.renderer.PromptSHA256(genai.PurposeStreamObs),
		}
	}

	if obs.RoomID != frame.RoomID {
		return nil, fmt.Errorf("room_id mismatch: %s", obs.RoomID)
	}
	if obs.FrameID != frame.ID {
		return nil, fmt.Errorf("frame_id mismatch: %s", obs.FrameID)
	}
	if strings.ToLower(obs.FrameSHA256) != expectedSHA {
		return nil, fmt.Errorf("frame_sha256 mismatch: %s", obs.FrameSHA256)
	}
	expectedIDs := make([]string, 0, len(transcripts))
	for _, seg := range transcripts {
		expectedIDs = append(expectedIDs, seg.ID)
	}
	if !slices.Equal(obs.TranscriptIDs, expectedIDs) {
		return nil, fmt.Errorf("transcript_ids mismatch: %v", obs.TranscriptIDs)
	}

	if err := protocol.ValidateObservation(&obs); err != nil {
		return nil, err
	}
	return &obs, nil
}
