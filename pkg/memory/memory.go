// Package memory implements the persona memory layer: durable facts keyed by
// scope (persona, persona_room, persona_user), gated by a write policy with
// PII redaction, and served from pluggable stores (in-process, mem0-style
// HTTP, Postgres).
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chorus-chat/chorus/internal/protocol"
)

// Schema identity for memory items on the wire and in stores.
const (
	SchemaMemoryItem = "MemoryItem"
	SchemaVersion    = "1.0.0"
)

// Memory scopes. The scope names double as scope_key prefixes for the
// prefixed key forms.
const (
	ScopePersona     = "persona"
	ScopePersonaRoom = "persona_room"
	ScopePersonaUser = "persona_user"
)

// Item is one stored memory fact.
type Item struct {
	SchemaName    string         `json:"schema_name,omitempty"`
	SchemaVersion string         `json:"schema_version,omitempty"`
	ID            string         `json:"id"`
	TS            string         `json:"ts"`
	Scope         string         `json:"scope"`
	ScopeKey      string         `json:"scope_key"`
	Category      string         `json:"category"`
	Subject       string         `json:"subject"`
	Value         string         `json:"value"`
	Confidence    float64        `json:"confidence"`
	TTLDays       *int           `json:"ttl_days,omitempty"`
	Source        map[string]any `json:"source,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
	Redactions    []string       `json:"redactions,omitempty"`
	ExpiresAt     string         `json:"expires_at,omitempty"`
	Version       int            `json:"version,omitempty"`
}

// Validate checks the structural invariants of an item. TTL bounds are the
// policy's concern, not validation's.
func (it *Item) Validate() error {
	var errs []error
	if it.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if it.TS == "" {
		errs = append(errs, errors.New("ts is required"))
	} else if _, err := protocol.ParseTS(it.TS); err != nil {
		errs = append(errs, fmt.Errorf("ts: %w", err))
	}
	if it.Scope == "" {
		errs = append(errs, errors.New("scope is required"))
	}
	if strings.TrimSpace(it.ScopeKey) == "" {
		errs = append(errs, errors.New("scope_key is required"))
	}
	if it.Category == "" {
		errs = append(errs, errors.New("category is required"))
	}
	if it.Subject == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if it.Value == "" {
		errs = append(errs, errors.New("value is required"))
	}
	if it.Confidence < 0 || it.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence %v out of [0,1]", it.Confidence))
	}
	if len(errs) > 0 {
		return fmt.Errorf("memory: invalid item: %w", errors.Join(errs...))
	}
	return nil
}

// QueryResult is a scored search result set.
type QueryResult struct {
	Items []*Item
	// Matched counts candidates before the limit was applied.
	Matched int
}

// Store is the capability every memory backend implements. Search ranks
// items for a scope key against a free-text query; Upsert replaces by item
// id within the scope; Dump exposes the store contents for the stats
// surface, keyed by persona bucket.
type Store interface {
	Search(ctx context.Context, scopeKey, query string, limit int) (*QueryResult, error)
	Upsert(ctx context.Context, scopeKey string, item *Item) error
	Dump() map[string][]*Item
	Describe() string
}

// TTLDaysValue returns a pointer to v, for literal TTL assignments.
func TTLDaysValue(v int) *int { return &v }

// personaBucket extracts the persona id portion of a scope key for the dump
// bucketing: "persona"-scoped keys end in the persona id, "persona_user"
// keys carry it second to last.
func personaBucket(scopeKey string) string {
	parts := strings.Split(scopeKey, ":")
	if len(parts) == 0 {
		return scopeKey
	}
	switch parts[0] {
	case ScopePersona, ScopePersonaRoom:
		return parts[len(parts)-1]
	case ScopePersonaUser:
		if len(parts) >= 2 {
			return parts[len(parts)-2]
		}
	case "room":
		// Legacy un-prefixed keys: "room:<id>:<persona>[:<user>]".
		if len(parts) >= 4 {
			return parts[len(parts)-2]
		}
		if len(parts) >= 3 {
			return parts[len(parts)-1]
		}
	}
	return scopeKey
}
