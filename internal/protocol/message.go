// Package protocol defines the wire schemas shared by every chorus service:
// chat messages, stream frames, transcript segments and stream observations.
// All payloads travel as UTF-8 JSON inside a single "data" field of a Redis
// Streams entry; the structs here carry the exact field names of that wire
// format together with validation.
package protocol

// Schema identity constants. Every payload carries its schema name and
// version so consumers can reject entries they do not understand.
const (
	SchemaChatMessage       = "ChatMessage"
	SchemaStreamFrame       = "StreamFrame"
	SchemaTranscriptSegment = "StreamTranscriptSegment"
	SchemaStreamObservation = "StreamObservation"
	SchemaVersion           = "1.0.0"
)

// Origin tells consumers whether a chat message came from a human client or
// from a persona worker. Bot-origin messages are never reacted to again.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginBot   Origin = "bot"
)

// IsValid reports whether the origin is one of the closed set.
func (o Origin) IsValid() bool {
	return o == OriginHuman || o == OriginBot
}

// ModerationAction is the outcome of the gateway safety pipeline.
type ModerationAction string

const (
	ActionAllow  ModerationAction = "allow"
	ActionRedact ModerationAction = "redact"
)

// Moderation records what the gateway safety pipeline did to a message.
// Reasons lists the distinct pattern kinds that matched, in match order.
type Moderation struct {
	Action     ModerationAction `json:"action" validate:"required,oneof=allow redact"`
	Reasons    []string         `json:"reasons"`
	Redactions []string         `json:"redactions"`
}

// Trace carries provenance for a message as it moves through the pipeline.
type Trace struct {
	Producer       string   `json:"producer,omitempty"`
	ProcessedBy    []string `json:"processed_by,omitempty"`
	GatewayTS      string   `json:"gateway_ts,omitempty"`
	PersonaID      string   `json:"persona_id,omitempty"`
	WorkerInstance string   `json:"worker_instance,omitempty"`
}

// ChatMessage is the canonical chat payload on the ingest and firehose
// streams. Timestamps are RFC 3339 UTC strings.
type ChatMessage struct {
	SchemaName    string         `json:"schema_name" validate:"required,eq=ChatMessage"`
	SchemaVersion string         `json:"schema_version" validate:"required"`
	ID            string         `json:"id" validate:"required"`
	TS            string         `json:"ts" validate:"required"`
	RoomID        string         `json:"room_id" validate:"required"`
	Origin        Origin         `json:"origin" validate:"required,oneof=human bot"`
	UserID        string         `json:"user_id"`
	DisplayName   string         `json:"display_name"`
	Content       string         `json:"content" validate:"required"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Mentions      []string       `json:"mentions,omitempty"`
	Emotes        []string       `json:"emotes,omitempty"`
	Badges        []string       `json:"badges,omitempty"`
	Style         map[string]any `json:"style,omitempty"`
	ClientMeta    map[string]any `json:"client_meta,omitempty"`
	Moderation    *Moderation    `json:"moderation,omitempty"`
	Trace         *Trace         `json:"trace,omitempty"`
}

// Time returns the parsed message timestamp.
func (m *ChatMessage) Time() (int64, error) {
	return TimestampMS(m.TS)
}
