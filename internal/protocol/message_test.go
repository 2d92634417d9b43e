package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/chorus-chat/chorus/internal/protocol"
)

func validMessage() *protocol.ChatMessage {
	return &protocol.ChatMessage{
		SchemaName:    protocol.SchemaChatMessage,
		SchemaVersion: protocol.SchemaVersion,
		ID:            "m1",
		TS:            "2026-01-02T03:04:05Z",
		RoomID:        "room:demo",
		Origin:        protocol.OriginHuman,
		UserID:        "u1",
		DisplayName:   "viewer_one",
		Content:       "hello",
	}
}

func TestValidateChatMessage(t *testing.T) {
	t.Parallel()

	if err := protocol.ValidateChatMessage(validMessage()); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*protocol.ChatMessage)
	}{
		{"missing id", func(m *protocol.ChatMessage) { m.ID = "" }},
		{"missing room", func(m *protocol.ChatMessage) { m.RoomID = "" }},
		{"empty content", func(m *protocol.ChatMessage) { m.Content = "" }},
		{"bad origin", func(m *protocol.ChatMessage) { m.Origin = "alien" }},
		{"wrong schema name", func(m *protocol.ChatMessage) { m.SchemaName = "Message" }},
		{"unparseable ts", func(m *protocol.ChatMessage) { m.TS = "yesterday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := validMessage()
			tt.mutate(m)
			if err := protocol.ValidateChatMessage(m); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateChatMessageOptionalFields(t *testing.T) {
	t.Parallel()

	// user_id and display_name are optional; anonymous producers omit both.
	m := validMessage()
	m.UserID = ""
	m.DisplayName = ""
	if err := protocol.ValidateChatMessage(m); err != nil {
		t.Fatalf("message without user_id rejected: %v", err)
	}
}

func TestValidateTranscriptSegment(t *testing.T) {
	t.Parallel()

	seg := &protocol.StreamTranscriptSegment{
		SchemaName:    protocol.SchemaTranscriptSegment,
		SchemaVersion: protocol.SchemaVersion,
		ID:            "t1",
		TS:            "2026-01-02T03:04:05Z",
		RoomID:        "room:demo",
		StartMS:       100,
		EndMS:         900,
		Text:          "chat is popping off",
	}
	if err := protocol.ValidateTranscriptSegment(seg); err != nil {
		t.Fatalf("valid segment rejected: %v", err)
	}

	seg.EndMS = 50
	if err := protocol.ValidateTranscriptSegment(seg); err == nil {
		t.Fatal("expected error for end_ms before start_ms")
	}
}

func TestValidateObservationHypeBounds(t *testing.T) {
	t.Parallel()

	obs := &protocol.StreamObservation{
		SchemaName:    protocol.SchemaStreamObservation,
		SchemaVersion: protocol.SchemaVersion,
		ID:            "obs_1",
		TS:            "2026-01-02T03:04:05Z",
		RoomID:        "room:demo",
		FrameID:       "f1",
		FrameSHA256:   strings.Repeat("a", 64),
		HypeLevel:     0.4,
	}
	if err := protocol.ValidateObservation(obs); err != nil {
		t.Fatalf("valid observation rejected: %v", err)
	}

	obs.HypeLevel = 1.2
	if err := protocol.ValidateObservation(obs); err == nil {
		t.Fatal("expected error for hype_level above 1")
	}
}

func TestChatMessageWireNames(t *testing.T) {
	t.Parallel()

	m := validMessage()
	m.Moderation = &protocol.Moderation{Action: protocol.ActionAllow, Reasons: []string{}, Redactions: []string{}}
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"schema_name", "schema_version", "id", "ts", "room_id", "origin", "user_id", "display_name", "content", "moderation"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing wire field %q", key)
		}
	}
	if _, ok := fields["reply_to"]; ok {
		t.Error("empty reply_to should be omitted")
	}
}
