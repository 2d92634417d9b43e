package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode marshals a payload for the wire.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return raw, nil
}

// CanonicalJSON produces a stable encoding: object keys sorted, no HTML
// escaping, no trailing newline. Used wherever a payload is hashed or
// embedded into a prompt so that equal payloads hash equal.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: canonical encode: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("protocol: canonical decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("protocol: canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
