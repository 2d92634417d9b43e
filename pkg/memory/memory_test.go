package memory

import (
	"context"
	"strings"
	"testing"
)

func testPolicy() *Policy {
	return &Policy{
		Enabled:         true,
		Scopes:          []string{ScopePersonaRoom, ScopePersona},
		AllowCategories: []string{"room_lore", "preferences"},
		DenyCategories:  []string{"secrets"},
		WriteRules:      WriteRules{MinConfidence: 0.4},
		TTLDaysDefault:  TTLDaysValue(14),
		Redaction:       RedactionConfig{Enabled: true},
	}
}

func testItem() *Item {
	return &Item{
		ID:         "item-1",
		TS:         "2026-01-02T03:04:05Z",
		Scope:      ScopePersonaRoom,
		ScopeKey:   "demo:hype_bot",
		Category:   "room_lore",
		Subject:    "streamer_name",
		Value:      "the streamer is called Captain",
		Confidence: 0.9,
		TTLDays:    TTLDaysValue(7),
	}
}

func TestShouldStoreOrderAndTTL(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *Policy, it *Item)
		allow  bool
		reason string
	}{
		{"ok", func(p *Policy, it *Item) {}, true, "ok"},
		{"disabled", func(p *Policy, it *Item) { p.Enabled = false }, false, ReasonPolicyDisabled},
		{"scope", func(p *Policy, it *Item) { it.Scope = ScopePersonaUser }, false, ReasonScopeNotAllowed},
		{"denied category", func(p *Policy, it *Item) { it.Category = "secrets" }, false, ReasonCategoryDenied},
		{"unlisted category", func(p *Policy, it *Item) { it.Category = "gossip" }, false, ReasonCategoryNotAllowed},
		{"low confidence", func(p *Policy, it *Item) { it.Confidence = 0.1 }, false, ReasonLowConfidence},
		{"ttl missing no default", func(p *Policy, it *Item) { p.TTLDaysDefault = nil; it.TTLDays = nil }, false, ReasonTTLMissing},
		{"ttl invalid", func(p *Policy, it *Item) { it.TTLDays = TTLDaysValue(0) }, false, ReasonTTLInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := testPolicy()
			item := testItem()
			tc.mutate(policy, item)
			allow, reason := policy.ShouldStore(item)
			if allow != tc.allow || reason != tc.reason {
				t.Fatalf("got (%v, %q), want (%v, %q)", allow, reason, tc.allow, tc.reason)
			}
		})
	}

	t.Run("ttl defaults when missing", func(t *testing.T) {
		policy := testPolicy()
		item := testItem()
		item.TTLDays = nil
		if ok, _ := policy.ShouldStore(item); !ok {
			t.Fatal("expected allow")
		}
		if item.TTLDays == nil || *item.TTLDays != 14 {
			t.Fatalf("ttl not defaulted: %v", item.TTLDays)
		}
	})
	t.Run("ttl clamps to default", func(t *testing.T) {
		policy := testPolicy()
		item := testItem()
		item.TTLDays = TTLDaysValue(365)
		if ok, _ := policy.ShouldStore(item); !ok {
			t.Fatal("expected allow")
		}
		if *item.TTLDays != 14 {
			t.Fatalf("ttl not clamped: %d", *item.TTLDays)
		}
	})
}

func TestDeriveScope(t *testing.T) {
	cases := []struct {
		name        string
		scopes      []string
		userEnabled bool
		userID      string
		scope       string
		scopeKey    string
	}{
		{"user wins when enabled", []string{ScopePersonaRoom, ScopePersonaUser}, true, "u1", ScopePersonaUser, "demo:hype_bot:u1"},
		{"persona when room missing", []string{ScopePersona}, false, "u1", ScopePersona, "hype_bot"},
		{"persona_room default", []string{ScopePersonaRoom, ScopePersona}, false, "u1", ScopePersonaRoom, "demo:hype_bot"},
		{"user fallback", []string{ScopePersonaUser}, false, "u1", ScopePersonaUser, "demo:hype_bot:u1"},
		{"nothing allowed keeps room default", nil, false, "", ScopePersonaRoom, "demo:hype_bot"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := testPolicy()
			policy.Scopes = tc.scopes
			scope, key := policy.DeriveScope("demo", "hype_bot", tc.userID, tc.userEnabled)
			if scope != tc.scope || key != tc.scopeKey {
				t.Fatalf("got (%q, %q), want (%q, %q)", scope, key, tc.scope, tc.scopeKey)
			}
		})
	}
}

func TestApplyRedactions(t *testing.T) {
	policy := testPolicy()
	redacted, notes := policy.ApplyRedactions("mail me at dev@example.com or 555-123-4567")
	if strings.Contains(redacted, "dev@example.com") || strings.Contains(redacted, "555-123-4567") {
		t.Fatalf("pii survived: %q", redacted)
	}
	if len(notes) != 2 || notes[0] != "email" || notes[1] != "phone" {
		t.Fatalf("notes = %v", notes)
	}

	policy.Redaction.Patterns = []NamedPattern{{Name: "broken", Regex: "("}}
	_, notes = policy.ApplyRedactions("anything")
	found := false
	for _, n := range notes {
		if n == "invalid_pattern:broken" {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing invalid pattern note: %v", notes)
	}

	if !RedactedToEmpty("[REDACTED] [REDACTED]") {
		t.Fatal("expected redacted-only value to be empty")
	}
	if RedactedToEmpty("[REDACTED] plus context") {
		t.Fatal("value with content must not be empty")
	}
}

func TestLocalStoreSearchOrdering(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()

	newItem := func(id, ts, subject, value string) *Item {
		it := testItem()
		it.ID, it.TS, it.Subject, it.Value = id, ts, subject, value
		return it
	}
	for _, it := range []*Item{
		newItem("a", "2026-01-01T00:00:00Z", "streamer_name", "loves dragons"),
		newItem("b", "2026-01-02T00:00:00Z", "snack", "the streamer likes tacos"),
		newItem("c", "2026-01-02T00:00:00Z", "streamer_name", "streamer raided yesterday"),
	} {
		if err := store.Upsert(ctx, "demo:hype_bot", it); err != nil {
			t.Fatal(err)
		}
	}

	result, err := store.Search(ctx, "demo:hype_bot", "streamer name", 10)
	if err != nil {
		t.Fatal(err)
	}
	if result.Matched != 3 {
		t.Fatalf("matched = %d", result.Matched)
	}
	// "a" and "c" hit subject (streamer+name tokens) and beat "b", which only
	// hits value; the tie between a and c breaks on newer ts.
	got := []string{result.Items[0].ID, result.Items[1].ID, result.Items[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// Upsert with same id replaces in place.
	replacement := newItem("a", "2026-01-03T00:00:00Z", "streamer_name", "prefers wyverns")
	if err := store.Upsert(ctx, "demo:hype_bot", replacement); err != nil {
		t.Fatal(err)
	}
	dump := store.Dump()
	if len(dump["hype_bot"]) != 3 {
		t.Fatalf("dump size = %d", len(dump["hype_bot"]))
	}
}

func TestPersonaBucket(t *testing.T) {
	cases := []struct{ key, want string }{
		{"persona:hype_bot", "hype_bot"},
		{"persona_room:demo:hype_bot", "hype_bot"},
		{"persona_user:demo:hype_bot:u1", "hype_bot"},
		{"room:demo:hype_bot", "hype_bot"},
		{"room:demo:hype_bot:u1", "hype_bot"},
		{"bare", "bare"},
	}
	for _, tc := range cases {
		if got := personaBucket(tc.key); got != tc.want {
			t.Fatalf("personaBucket(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://api.mem0.ai/v1", "https://api.mem0.ai"},
		{"https://api.mem0.ai/v1/", "https://api.mem0.ai"},
		{"https://api.mem0.ai//v2", "https://api.mem0.ai"},
		{"https://host/base//path/", "https://host/base/path"},
		{"host//v1", "host"},
		{"  https://api.mem0.ai  ", "https://api.mem0.ai"},
	}
	for _, tc := range cases {
		if got := NormalizeBaseURL(tc.in); got != tc.want {
			t.Fatalf("NormalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIdentifiersFromScopeKey(t *testing.T) {
	cases := []struct {
		key  string
		want map[string]string
	}{
		{"persona:hype_bot", map[string]string{"agent_id": "hype_bot"}},
		{"persona_room:demo:hype_bot", map[string]string{"agent_id": "hype_bot", "run_id": "demo"}},
		{"persona_user:demo:hype_bot:u1", map[string]string{"user_id": "u1", "agent_id": "hype_bot", "run_id": "demo"}},
		{"room:demo:hype_bot:u1", map[string]string{"user_id": "u1", "agent_id": "hype_bot", "run_id": "room:demo"}},
		{"room:demo:hype_bot", map[string]string{"agent_id": "hype_bot", "run_id": "room:demo"}},
		{"solo", map[string]string{"agent_id": "solo"}},
		{"odd:key", map[string]string{"user_id": "odd:key"}},
	}
	for _, tc := range cases {
		got := identifiersFromScopeKey(tc.key)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: got %v, want %v", tc.key, got, tc.want)
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("%q: got %v, want %v", tc.key, got, tc.want)
			}
		}
	}
}

func TestExtractJSONCandidates(t *testing.T) {
	if _, reason := extractJSONCandidates("   "); reason != "empty_output" {
		t.Fatalf("reason = %q", reason)
	}
	if _, reason := extractJSONCandidates("not json at all"); reason != "json_parse_failed" {
		t.Fatalf("reason = %q", reason)
	}
	if _, reason := extractJSONCandidates(`"just a string"`); reason != "unexpected_shape" {
		t.Fatalf("reason = %q", reason)
	}
	got, reason := extractJSONCandidates(`model says: [{"value":"x"},{"value":"y"}] done`)
	if reason != "" || len(got) != 2 {
		t.Fatalf("got %d candidates, reason %q", len(got), reason)
	}
	got, reason = extractJSONCandidates(`{"items":[{"value":"x"}]}`)
	if reason != "" || len(got) != 1 {
		t.Fatalf("got %d candidates, reason %q", len(got), reason)
	}
	got, reason = extractJSONCandidates(`{"value":"lone"}`)
	if reason != "" || len(got) != 1 {
		t.Fatalf("got %d candidates, reason %q", len(got), reason)
	}
}

func TestLLMExtractorAcceptsAndGates(t *testing.T) {
	policy := testPolicy()
	generate := func(_ context.Context, req ExtractRequest) (string, string, string, error) {
		if req.Marker != DefaultExtractMarker {
			t.Fatalf("marker = %q", req.Marker)
		}
		return `[
			{"value": "the streamer is called Captain", "category": "room_lore", "confidence": 0.9},
			{"value": "reach me at dev@example.com", "category": "room_lore", "confidence": 0.9},
			{"value": "low signal", "category": "room_lore", "confidence": 0.1}
		]`, "stub", "stub-model", nil
	}
	extractor := NewLLMExtractor(generate, policy, 5, 800, false)

	result := extractor.Extract(context.Background(), ExtractRequest{
		Content:   "hello",
		RoomID:    "demo",
		PersonaID: "hype_bot",
		MessageID: "m1",
	})
	if len(result.AcceptedItems) != 2 {
		t.Fatalf("accepted = %d, err = %q", len(result.AcceptedItems), result.Err)
	}
	if result.RejectedCount != 1 {
		t.Fatalf("rejected = %d", result.RejectedCount)
	}
	if result.RedactedCount != 1 {
		t.Fatalf("redacted = %d", result.RedactedCount)
	}
	if result.Err != ReasonLowConfidence {
		t.Fatalf("err = %q", result.Err)
	}

	first := result.AcceptedItems[0]
	if first.Scope != ScopePersonaRoom || first.ScopeKey != "demo:hype_bot" {
		t.Fatalf("scope = %q key = %q", first.Scope, first.ScopeKey)
	}
	if first.TTLDays == nil || *first.TTLDays != 14 {
		t.Fatalf("ttl = %v", first.TTLDays)
	}
	if first.ID == "" || len(first.ID) != 16 {
		t.Fatalf("id = %q", first.ID)
	}
	if kind := first.Source["kind"]; kind != "chat_message" {
		t.Fatalf("source kind = %v", kind)
	}

	second := result.AcceptedItems[1]
	if !strings.Contains(second.Value, "[REDACTED]") {
		t.Fatalf("value not redacted: %q", second.Value)
	}
}

func TestLLMExtractorNoItemsAccepted(t *testing.T) {
	policy := testPolicy()
	generate := func(context.Context, ExtractRequest) (string, string, string, error) {
		return `[]`, "stub", "stub-model", nil
	}
	result := NewLLMExtractor(generate, policy, 5, 800, false).
		Extract(context.Background(), ExtractRequest{RoomID: "demo", PersonaID: "p"})
	if result.Err != "no_items_accepted" {
		t.Fatalf("err = %q", result.Err)
	}
}
