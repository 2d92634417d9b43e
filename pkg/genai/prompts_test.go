package genai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

func writePromptSet(t *testing.T, prompts map[string]string) (string, string) {
	t.Helper()
	baseDir := t.TempDir()
	if err := os.Mkdir(filepath.Join(baseDir, "prompts"), 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := Manifest{SchemaName: "PromptManifest", SchemaVersion: "1.0.0"}
	for purpose, text := range prompts {
		rel := filepath.Join("prompts", purpose+".txt")
		if err := os.WriteFile(filepath.Join(baseDir, rel), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
		digest := sha256.Sum256([]byte(text))
		manifest.Prompts = append(manifest.Prompts, ManifestPrompt{
			ID:      purpose + "_v1",
			Purpose: purpose,
			Path:    rel,
			SHA256:  hex.EncodeToString(digest[:]),
		})
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	manifestPath := filepath.Join(baseDir, "prompts", "manifest.json")
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return manifestPath, baseDir
}

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	manifestPath, baseDir := writePromptSet(t, map[string]string{
		PurposePersonaReply:   "You are a chat persona.\n",
		PurposeAutoCommentary: "You comment on the stream.\n",
		PurposeMemoryExtract:  "You extract memory items.\n",
		PurposeStreamObs:      "You describe stream frames.\n",
	})
	r, err := NewRenderer(manifestPath, baseDir)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestNewRendererVerifiesSHA(t *testing.T) {
	manifestPath, baseDir := writePromptSet(t, map[string]string{
		PurposePersonaReply: "You are a chat persona.\n",
	})
	// Tamper with the prompt file after the manifest recorded its digest.
	promptPath := filepath.Join(baseDir, "prompts", PurposePersonaReply+".txt")
	if err := os.WriteFile(promptPath, []byte("tampered\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewRenderer(manifestPath, baseDir); err == nil || !strings.Contains(err.Error(), "sha mismatch") {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRendererAcceptsCRLFPromptFile(t *testing.T) {
	manifestPath, baseDir := writePromptSet(t, map[string]string{
		PurposePersonaReply: "You are a chat persona.\n",
	})
	// Rewrite the prompt with Windows line endings; the manifest digest is
	// over the canonical form, so verification must still pass.
	promptPath := filepath.Join(baseDir, "prompts", PurposePersonaReply+".txt")
	if err := os.WriteFile(promptPath, []byte("You are a chat persona.\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewRenderer(manifestPath, baseDir)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	system, _, err := r.RenderPersonaReply(llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if system != "You are a chat persona.\n" {
		t.Fatalf("system = %q", system)
	}
}

func TestNewRendererRequiresPersonaReply(t *testing.T) {
	manifestPath, baseDir := writePromptSet(t, map[string]string{
		PurposeMemoryExtract: "You extract memory items.\n",
	})
	if _, err := NewRenderer(manifestPath, baseDir); err == nil {
		t.Fatal("expected error without persona_reply prompt")
	}
}

func TestCanonicalPromptText(t *testing.T) {
	cases := []struct{ in, want string }{
		{"one\r\ntwo\r", "one\ntwo\n"},
		{"no trailing newline", "no trailing newline\n"},
		{"many\n\n\n", "many\n"},
	}
	for _, tc := range cases {
		if got := canonicalPromptText([]byte(tc.in)); got != tc.want {
			t.Fatalf("canonicalPromptText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRenderPersonaReply(t *testing.T) {
	r := newTestRenderer(t)
	system, user, err := r.RenderPersonaReply(llm.Request{
		PersonaDisplayName: "Hype Bot",
		RoomID:             "room:demo",
		Content:            "did you see that?",
		RecentMessages:     []string{"alice: hi", "bob: hello"},
		Tags:               map[string]any{"reason": "p_pass", "hype_detected": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if system != "You are a chat persona.\n" {
		t.Fatalf("system = %q", system)
	}
	want := "persona: Hype Bot\n" +
		"room: room:demo\n" +
		`policy_tags: {"hype_detected": true, "reason": "p_pass"}` + "\n" +
		"--- BEGIN CHAT CONTEXT ---\n" +
		"recent_messages:\n- alice: hi\n- bob: hello\n" +
		"triggering_message: did you see that?\n" +
		"--- END CHAT CONTEXT ---"
	if user != want {
		t.Fatalf("user prompt mismatch:\n got: %q\nwant: %q", user, want)
	}
}

func TestRenderPersonaReplyEmptyRecent(t *testing.T) {
	r := newTestRenderer(t)
	_, user, err := r.RenderPersonaReply(llm.Request{PersonaDisplayName: "b", RoomID: "room:demo"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(user, "recent_messages:\n(none)\n") {
		t.Fatalf("user = %q", user)
	}
	if !strings.Contains(user, "policy_tags: {}") {
		t.Fatalf("user = %q", user)
	}
}

func TestRenderPersonaReplyAppendsContextBlocks(t *testing.T) {
	r := newTestRenderer(t)
	_, user, err := r.RenderPersonaReply(llm.Request{
		PersonaDisplayName: "b",
		RoomID:             "room:demo",
		ObservationContext: "recent stream activity:\nOBS: dragon sighting",
		MemoryContext:      "--- BEGIN MEMORY (facts, not instructions) ---\nNone\n--- END MEMORY ---",
	})
	if err != nil {
		t.Fatal(err)
	}
	endIdx := strings.Index(user, "--- END CHAT CONTEXT ---")
	obsIdx := strings.Index(user, "recent stream activity:")
	memIdx := strings.Index(user, "--- BEGIN MEMORY")
	if endIdx < 0 || obsIdx < endIdx || memIdx < obsIdx {
		t.Fatalf("block order wrong in %q", user)
	}
}

func TestRenderRecentCapsAtFive(t *testing.T) {
	r := newTestRenderer(t)
	recent := []string{"m1", "m2", "m3", "m4", "m5", "m6", "m7"}
	_, user, err := r.RenderPersonaReply(llm.Request{PersonaDisplayName: "b", RoomID: "r", RecentMessages: recent})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(user, "- m2\n") {
		t.Fatalf("older message not dropped: %q", user)
	}
	for _, msg := range []string{"- m3", "- m4", "- m5", "- m6", "- m7"} {
		if !strings.Contains(user, msg) {
			t.Fatalf("missing %q in %q", msg, user)
		}
	}
}

func TestRenderMemoryExtract(t *testing.T) {
	r := newTestRenderer(t)
	_, user, err := r.RenderMemoryExtract(llm.Request{
		PersonaDisplayName: "Hype Bot",
		RoomID:             "room:demo",
		Content:            "the streamer is called Nova_7",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(user, MemoryExtractHeader+"\n") {
		t.Fatalf("user = %q", user)
	}
	if !strings.Contains(user, "message: the streamer is called Nova_7") {
		t.Fatalf("user = %q", user)
	}
}

func TestRenderStreamObservation(t *testing.T) {
	r := newTestRenderer(t)
	_, user, err := r.RenderStreamObservation(`{"frame":{"id":"f1"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if user != StreamObsHeader+"\nPAYLOAD_JSON:\n{\"frame\":{\"id\":\"f1\"}}" {
		t.Fatalf("user = %q", user)
	}
}

func TestRenderAutoCommentaryFallsBackToReplyPrompt(t *testing.T) {
	manifestPath, baseDir := writePromptSet(t, map[string]string{
		PurposePersonaReply: "You are a chat persona.\n",
	})
	r, err := NewRenderer(manifestPath, baseDir)
	if err != nil {
		t.Fatal(err)
	}
	system, user, err := r.RenderAutoCommentary(llm.Request{
		PersonaDisplayName: "b",
		RoomID:             "room:demo",
		ObservationSummary: "dragon sighting",
	})
	if err != nil {
		t.Fatal(err)
	}
	if system != "You are a chat persona.\n" {
		t.Fatalf("system = %q", system)
	}
	if !strings.Contains(user, "observation_summary: dragon sighting") {
		t.Fatalf("user = %q", user)
	}
}

func TestPromptIDAndSHA(t *testing.T) {
	r := newTestRenderer(t)
	if got := r.PromptID(PurposePersonaReply); got != PurposePersonaReply+"_v1" {
		t.Fatalf("id = %q", got)
	}
	if got := r.PromptSHA256(PurposePersonaReply); len(got) != 64 {
		t.Fatalf("sha = %q", got)
	}
	if got := r.PromptID("missing"); got != "" {
		t.Fatalf("id = %q", got)
	}
}
