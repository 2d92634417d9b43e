package persona

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/chorus-chat/chorus/internal/bus"
	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/pkg/genai"
)

type fakeBusClient struct {
	mu         sync.Mutex
	streams    []string
	payloads   [][]byte
	failAppend bool
	acks       int
}

func (f *fakeBusClient) Ack(context.Context, string, string, string) {
	f.mu.Lock()
	f.acks++
	f.mu.Unlock()
}

func (f *fakeBusClient) Append(_ context.Context, stream string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppend {
		return "", errors.New("stream full")
	}
	f.streams = append(f.streams, stream)
	f.payloads = append(f.payloads, payload)
	return "1-1", nil
}

func (f *fakeBusClient) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func testWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := config.Default(config.ServiceWorker)
	room := &config.RoomConfig{
		RoomID:          "room:demo",
		EnabledPersonas: []string{"hype_bot"},
	}
	personas := map[string]*config.PersonaConfig{
		"hype_bot": {PersonaID: "hype_bot", DisplayName: "Hype Bot"},
	}
	return NewWorker(cfg, discardLogger(), room, personas,
		genai.NewDeterministicGenerator(), &MemoryLayer{},
		DefaultAutoConfig(), DefaultObsContextConfig(), NewStats())
}

// firehoseEntry wraps a forced-marker human message so the engine emits
// deterministically.
func firehoseEntry(t *testing.T, cfg *config.Config, msgID, content string) bus.Entry {
	t.Helper()
	raw, err := protocol.Encode(&protocol.ChatMessage{
		SchemaName:    protocol.SchemaChatMessage,
		SchemaVersion: protocol.SchemaVersion,
		ID:            msgID,
		TS:            protocol.NowTS(),
		RoomID:        "room:demo",
		Origin:        protocol.OriginHuman,
		Content:       content,
	})
	if err != nil {
		t.Fatal(err)
	}
	return bus.Entry{Stream: cfg.Bus.FirehoseStream, ID: "100-0", Data: raw}
}

func TestHandleChatDedupesBeforeEngine(t *testing.T) {
	w := testWorker(t)
	client := &fakeBusClient{}
	entry := firehoseEntry(t, w.Cfg, "msg_1", "hello E2E_TEST_ everyone")

	w.handleChat(context.Background(), client, entry)
	w.handleChat(context.Background(), client, entry)

	if got := client.published(); got != 1 {
		t.Fatalf("published %d messages, want 1", got)
	}
	if client.streams[0] != w.Cfg.Bus.IngestStream {
		t.Fatalf("published to %q, want %q", client.streams[0], w.Cfg.Bus.IngestStream)
	}
	var consumed, deduped, published int
	w.Stats.Mutate(func(s *Stats) {
		consumed = s.MessagesConsumed
		deduped = s.MessagesDeduped
		published = s.MessagesPublished
	})
	if consumed != 2 || deduped != 1 || published != 1 {
		t.Fatalf("consumed=%d deduped=%d published=%d", consumed, deduped, published)
	}
	if got := w.State.Persona("hype_bot").MessagesPublished; got != 1 {
		t.Fatalf("persona published = %d, want 1", got)
	}
}

func TestHandleChatPublishFailureLeavesPersonaState(t *testing.T) {
	w := testWorker(t)
	failing := &fakeBusClient{failAppend: true}

	w.handleChat(context.Background(), failing, firehoseEntry(t, w.Cfg, "msg_fail", "yo E2E_TEST_ check"))

	p := w.State.Persona("hype_bot")
	if p.MessagesPublished != 0 || p.LastSpokeAtMS != 0 {
		t.Fatalf("persona state mutated on failed publish: %+v", p)
	}
	var published int
	w.Stats.Mutate(func(s *Stats) { published = s.MessagesPublished })
	if published != 0 {
		t.Fatalf("published counter = %d, want 0", published)
	}

	// The persona never entered cooldown, so a later message goes out.
	working := &fakeBusClient{}
	w.handleChat(context.Background(), working, firehoseEntry(t, w.Cfg, "msg_ok", "yo E2E_TEST_ again"))

	if working.published() != 1 {
		t.Fatal("retry after failed publish did not emit")
	}
	if p.MessagesPublished != 1 || p.LastSpokeAtMS == 0 {
		t.Fatalf("persona state after successful publish: %+v", p)
	}

	var msg protocol.ChatMessage
	if err := json.Unmarshal(working.payloads[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Origin != protocol.OriginBot || msg.UserID != "hype_bot" {
		t.Fatalf("published message = %+v", msg)
	}
}

func TestHandleChatAcksMalformedPayload(t *testing.T) {
	w := testWorker(t)
	client := &fakeBusClient{}

	w.handleChat(context.Background(), client, bus.Entry{
		Stream: w.Cfg.Bus.FirehoseStream,
		ID:     "100-0",
		Data:   []byte("{not json"),
	})

	if client.acks != 1 {
		t.Fatalf("acks = %d, want 1", client.acks)
	}
	if client.published() != 0 {
		t.Fatal("malformed payload produced a reply")
	}
}
