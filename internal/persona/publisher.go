package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/chorus-chat/chorus/internal/config"
	"github.com/chorus-chat/chorus/internal/protocol"
)

// StreamAppender is the bus surface the publisher needs. *bus.Client
// implements it.
type StreamAppender interface {
	Append(ctx context.Context, stream string, payload []byte) (string, error)
}

// TraceProducerWorker marks bot messages published by the persona workers.
const TraceProducerWorker = "persona_worker"

// BuildBotMessage assembles a bot-origin ChatMessage for the ingest stream.
func BuildBotMessage(persona *config.PersonaConfig, roomID, content, consumerName, producer string) *protocol.ChatMessage {
	msg := &protocol.ChatMessage{
		SchemaName:    protocol.SchemaChatMessage,
		SchemaVersion: protocol.SchemaVersion,
		ID:            strings.ReplaceAll(uuid.NewString(), "-", ""),
		TS:            protocol.NowTS(),
		RoomID:        roomID,
		Origin:        protocol.OriginBot,
		UserID:        persona.PersonaID,
		DisplayName:   persona.DisplayName,
		Content:       content,
		Trace: &protocol.Trace{
			Producer:       producer,
			PersonaID:      persona.PersonaID,
			WorkerInstance: consumerName,
		},
	}
	msg.Badges = persona.Presentation.Badges
	if len(persona.Presentation.Style) > 0 {
		style := make(map[string]any, len(persona.Presentation.Style))
		for k, v := range persona.Presentation.Style {
			style[k] = v
		}
		msg.Style = style
	}
	return msg
}

// Publisher validates and appends bot messages to the ingest stream.
type Publisher struct {
	Bus          StreamAppender
	IngestStream string
	ConsumerName string
}

// Publish builds, validates and appends one bot message. The message never
// reaches the stream if validation fails.
func (p *Publisher) Publish(ctx context.Context, persona *config.PersonaConfig, roomID, content, producer string) (*protocol.ChatMessage, error) {
	msg := BuildBotMessage(persona, roomID, content, p.ConsumerName, producer)
	if err := protocol.ValidateChatMessage(msg); err != nil {
		return nil, fmt.Errorf("persona: generated message invalid: %w", err)
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	if _, err := p.Bus.Append(ctx, p.IngestStream, raw); err != nil {
		return nil, err
	}
	return msg, nil
}
