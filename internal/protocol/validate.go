package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateChatMessage checks the struct tags plus the constraints tags
// cannot express (a parseable timestamp).
func ValidateChatMessage(m *ChatMessage) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("protocol: invalid ChatMessage: %w", err)
	}
	if _, err := TimestampMS(m.TS); err != nil {
		return fmt.Errorf("protocol: invalid ChatMessage ts %q: %w", m.TS, err)
	}
	return nil
}

// ValidateStreamFrame checks a frame payload.
func ValidateStreamFrame(f *StreamFrame) error {
	if err := validate.Struct(f); err != nil {
		return fmt.Errorf("protocol: invalid StreamFrame: %w", err)
	}
	if _, err := TimestampMS(f.TS); err != nil {
		return fmt.Errorf("protocol: invalid StreamFrame ts %q: %w", f.TS, err)
	}
	return nil
}

// ValidateTranscriptSegment checks a transcript payload.
func ValidateTranscriptSegment(s *StreamTranscriptSegment) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("protocol: invalid StreamTranscriptSegment: %w", err)
	}
	if s.EndMS < s.StartMS {
		return fmt.Errorf("protocol: transcript %s: end_ms %d before start_ms %d", s.ID, s.EndMS, s.StartMS)
	}
	if _, err := TimestampMS(s.TS); err != nil {
		return fmt.Errorf("protocol: invalid StreamTranscriptSegment ts %q: %w", s.TS, err)
	}
	return nil
}

// ValidateObservation checks an observation payload.
func ValidateObservation(o *StreamObservation) error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("protocol: invalid StreamObservation: %w", err)
	}
	if _, err := TimestampMS(o.TS); err != nil {
		return fmt.Errorf("protocol: invalid StreamObservation ts %q: %w", o.TS, err)
	}
	return nil
}
