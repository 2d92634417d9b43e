package persona

import (
	"strings"
	"testing"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/protocol"
)

func TestBuildBotMessage(t *testing.T) {
	persona := &config.PersonaConfig{
		PersonaID:   "hype_bot",
		DisplayName: "Hype Bot",
		Presentation: config.PresentationConfig{
			Badges: []string{"bot"},
			Style:  map[string]string{"color": "#ff4500"},
		},
	}
	msg := BuildBotMessage(persona, "room:demo", "LETS GO", "worker-1", TraceProducerWorker)

	if msg.SchemaName != protocol.SchemaChatMessage || msg.SchemaVersion != protocol.SchemaVersion {
		t.Fatalf("schema = %s/%s", msg.SchemaName, msg.SchemaVersion)
	}
	if len(msg.ID) != 32 || strings.Contains(msg.ID, "-") {
		t.Fatalf("id = %q", msg.ID)
	}
	if msg.Origin != protocol.OriginBot || msg.UserID != "hype_bot" || msg.DisplayName != "Hype Bot" {
		t.Fatalf("identity = %+v", msg)
	}
	if msg.RoomID != "room:demo" || msg.Content != "LETS GO" {
		t.Fatalf("payload = %+v", msg)
	}
	if msg.Trace == nil || msg.Trace.Producer != TraceProducerWorker ||
		msg.Trace.PersonaID != "hype_bot" || msg.Trace.WorkerInstance != "worker-1" {
		t.Fatalf("trace = %+v", msg.Trace)
	}
	if len(msg.Badges) != 1 || msg.Badges[0] != "bot" {
		t.Fatalf("badges = %v", msg.Badges)
	}
	if msg.Style["color"] != "#ff4500" {
		t.Fatalf("style = %v", msg.Style)
	}
	if _, err := protocol.ParseTS(msg.TS); err != nil {
		t.Fatalf("ts: %v", err)
	}
	if err := protocol.ValidateChatMessage(msg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestBuildBotMessageIDsUnique(t *testing.T) {
	persona := &config.PersonaConfig{PersonaID: "hype_bot", DisplayName: "Hype Bot"}
	a := BuildBotMessage(persona, "room:demo", "one", "worker-1", TraceProducerWorker)
	b := BuildBotMessage(persona, "room:demo", "two", "worker-1", TraceProducerWorker)
	if a.ID == b.ID {
		t.Fatal("ids must differ")
	}
	if a.Style != nil {
		t.Fatalf("style = %v", a.Style)
	}
}
