package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
)

// Rejection reasons returned by Policy.ShouldStore.
const (
	ReasonPolicyDisabled     = "policy_disabled"
	ReasonScopeNotAllowed    = "scope_not_allowed"
	ReasonCategoryDenied     = "category_denied"
	ReasonCategoryNotAllowed = "category_not_allowed"
	ReasonLowConfidence      = "low_confidence"
	ReasonTTLMissing         = "ttl_missing"
	ReasonTTLInvalid         = "ttl_invalid"
)

// WriteRules holds the write-side thresholds of a memory policy.
type WriteRules struct {
	MinConfidence float64 `json:"min_confidence"`
}

// NamedPattern is one custom redaction regex.
type NamedPattern struct {
	Name  string `json:"name"`
	Regex string `json:"regex"`
}

// RedactionConfig enables PII redaction and adds custom patterns on top of
// the built-in ones.
type RedactionConfig struct {
	Enabled  bool           `json:"enabled"`
	Patterns []NamedPattern `json:"patterns,omitempty"`
}

// Policy is the JSON memory policy document: which scopes and categories may
// be written, at what confidence, with what TTL ceiling, and how values are
// redacted before storage.
type Policy struct {
	SchemaName      string          `json:"schema_name,omitempty"`
	SchemaVersion   string          `json:"schema_version,omitempty"`
	Enabled         bool            `json:"enabled"`
	Scopes          []string        `json:"scopes"`
	AllowCategories []string        `json:"allow_categories,omitempty"`
	DenyCategories  []string        `json:"deny_categories,omitempty"`
	WriteRules      WriteRules      `json:"write_rules"`
	TTLDaysDefault  *int            `json:"ttl_days_default,omitempty"`
	Redaction       RedactionConfig `json:"redaction"`
}

// LoadPolicy reads and decodes a policy file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read policy: %w", err)
	}
	var p Policy
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("memory: decode policy %s: %w", path, err)
	}
	return &p, nil
}

// ScopeAllowed reports whether the scope is in the policy's allow list.
func (p *Policy) ScopeAllowed(scope string) bool {
	return scope != "" && slices.Contains(p.Scopes, scope)
}

// CategoryAllowed applies the deny list first, then the allow list if one is
// configured.
func (p *Policy) CategoryAllowed(category string) bool {
	if category == "" {
		return false
	}
	if slices.Contains(p.DenyCategories, category) {
		return false
	}
	if len(p.AllowCategories) > 0 && !slices.Contains(p.AllowCategories, category) {
		return false
	}
	return true
}

// ShouldStore gates a write. It may normalize the item's TTL: a missing TTL
// takes the policy default, a TTL above the default is clamped down. The
// returned reason is "ok" exactly when the write is allowed.
func (p *Policy) ShouldStore(item *Item) (bool, string) {
	if !p.Enabled {
		return false, ReasonPolicyDisabled
	}
	if !p.ScopeAllowed(item.Scope) {
		return false, ReasonScopeNotAllowed
	}
	if !p.CategoryAllowed(item.Category) {
		if slices.Contains(p.DenyCategories, item.Category) {
			return false, ReasonCategoryDenied
		}
		return false, ReasonCategoryNotAllowed
	}
	if item.Confidence < p.WriteRules.MinConfidence {
		return false, ReasonLowConfidence
	}
	if item.TTLDays == nil {
		if p.TTLDaysDefault == nil {
			return false, ReasonTTLMissing
		}
		item.TTLDays = TTLDaysValue(*p.TTLDaysDefault)
	} else {
		if *item.TTLDays < 1 {
			return false, ReasonTTLInvalid
		}
		if p.TTLDaysDefault != nil && *item.TTLDays > *p.TTLDaysDefault {
			item.TTLDays = TTLDaysValue(*p.TTLDaysDefault)
		}
	}
	return true, "ok"
}

// DeriveScope picks the write scope for extracted memories and builds the
// matching scope key. persona_room is the preferred default; persona_user
// applies only when user scoping is switched on, the message has a user and
// the policy allows it.
func (p *Policy) DeriveScope(roomID, personaID, userID string, scopeUserEnabled bool) (string, string) {
	scope := ScopePersonaRoom
	switch {
	case scopeUserEnabled && userID != "" && p.ScopeAllowed(ScopePersonaUser):
		scope = ScopePersonaUser
	case !p.ScopeAllowed(ScopePersonaRoom) && p.ScopeAllowed(ScopePersona):
		scope = ScopePersona
	case p.ScopeAllowed(ScopePersonaRoom):
		scope = ScopePersonaRoom
	case p.ScopeAllowed(ScopePersona):
		scope = ScopePersona
	case p.ScopeAllowed(ScopePersonaUser) && userID != "":
		scope = ScopePersonaUser
	}

	persona := personaID
	if persona == "" {
		persona = "persona"
	}
	room := roomID
	if room == "" {
		room = "room"
	}
	user := userID
	if user == "" {
		user = "user"
	}

	var scopeKey string
	switch scope {
	case ScopePersonaUser:
		scopeKey = room + ":" + persona + ":" + user
	case ScopePersona:
		scopeKey = persona
	default:
		scopeKey = room + ":" + persona
	}
	scopeKey = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(scopeKey))
	if scopeKey == "" {
		scopeKey = room + ":" + persona
	}
	return scope, scopeKey
}
