// Package llm defines the Provider interface for language model backends.
//
// A provider turns a rendered persona prompt into reply text. Two families
// exist: the deterministic stub used by development and end-to-end runs, and
// live backends reached through github.com/mozilla-ai/any-llm-go.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Request carries everything a backend needs to produce a reply. The prompt
// renderer fills SystemPrompt and UserPrompt; the remaining fields describe
// the triggering message so deterministic backends can key off them.
type Request struct {
	// PersonaID identifies the persona speaking.
	PersonaID string

	// PersonaDisplayName is the persona's display name as shown in chat.
	PersonaDisplayName string

	// RoomID is the room the reply will be published to.
	RoomID string

	// Content is the triggering chat message text.
	Content string

	// Marker is the forcing token carried by the triggering message, if any.
	Marker string

	// RecentMessages holds the most recent room messages, oldest first,
	// each formatted as "display_name: content".
	RecentMessages []string

	// Tags carries the decision tags attached by the reply engine.
	Tags map[string]any

	// MemoryContext is the rendered memory block, empty when no memories
	// matched.
	MemoryContext string

	// ObservationContext is the rendered stream observation block, empty
	// when the buffer is empty.
	ObservationContext string

	// ObservationSummary is the summary of the observation a commentary
	// request reacts to.
	ObservationSummary string

	// PersonaProfile is the rendered persona anchor block (bio, voice
	// rules, catchphrases), one attribute per line.
	PersonaProfile string

	// PromptID names the prompt template this request was rendered with.
	PromptID string

	// SystemPrompt and UserPrompt are the rendered prompt pair sent to
	// live backends. Deterministic backends inspect them for request
	// markers instead.
	SystemPrompt string
	UserPrompt   string
}

// Response is the backend's reply.
type Response struct {
	// Text is the reply text, already cleaned to a single line and capped
	// at the configured output length.
	Text string

	// Provider and Model identify what produced the text.
	Provider string
	Model    string

	// LatencyMS is the wall time of the backend call.
	LatencyMS int64

	// Meta carries backend-specific details for the stats surface.
	Meta map[string]any
}

// Provider is the abstraction over any reply backend.
type Provider interface {
	// Generate produces a reply for the request. It must respect ctx
	// cancellation and return an error rather than a partial response.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Describe returns a short backend name for logs and stats.
	Describe() string
}
