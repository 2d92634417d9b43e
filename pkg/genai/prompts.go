package genai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chorus-chat/chorus/pkg/provider/llm"
)

// Prompt purposes the renderer serves.
const (
	PurposePersonaReply    = "persona_reply"
	PurposeAutoCommentary  = "persona_auto_commentary"
	PurposeMemoryExtract   = "memory_extract"
	PurposeStreamObs       = "stream_observation"
)

// Request markers that deterministic backends key off. They appear verbatim
// in the rendered user prompts for their purposes.
const (
	MemoryExtractHeader = "MEMORY EXTRACTION REQUEST"
	StreamObsHeader     = "STREAM OBSERVATION REQUEST"
)

// ManifestPrompt is one entry of the prompt manifest: a versioned prompt
// file with its recorded content digest.
type ManifestPrompt struct {
	ID      string `json:"id"`
	Purpose string `json:"purpose"`
	Path    string `json:"path"`
	SHA256  string `json:"sha256"`
}

// Manifest is the prompt manifest document.
type Manifest struct {
	SchemaName    string           `json:"schema_name,omitempty"`
	SchemaVersion string           `json:"schema_version,omitempty"`
	Prompts       []ManifestPrompt `json:"prompts"`
}

type promptEntry struct {
	id     string
	sha256 string
	text   string
}

// Renderer renders prompts from the manifest. Construction fails when a
// prompt file is missing or its digest disagrees with the manifest, so a
// worker never runs with tampered prompts.
type Renderer struct {
	manifestPath string
	baseDir      string
	prompts      map[string]promptEntry
}

// NewRenderer loads the manifest relative to baseDir and verifies every
// prompt file against its recorded sha256.
func NewRenderer(manifestPath, baseDir string) (*Renderer, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("genai: read prompt manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("genai: decode prompt manifest %s: %w", manifestPath, err)
	}

	r := &Renderer{
		manifestPath: manifestPath,
		baseDir:      baseDir,
		prompts:      map[string]promptEntry{},
	}
	for _, prompt := range manifest.Prompts {
		path := filepath.Join(baseDir, prompt.Path)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("genai: prompt file missing: %s: %w", path, err)
		}
		canonical := canonicalPromptText(content)
		digest := sha256.Sum256([]byte(canonical))
		if got := hex.EncodeToString(digest[:]); got != prompt.SHA256 {
			return nil, fmt.Errorf("genai: sha mismatch for %s: expected %s, got %s", path, prompt.SHA256, got)
		}
		r.prompts[prompt.Purpose] = promptEntry{
			id:     prompt.ID,
			sha256: prompt.SHA256,
			text:   canonical,
		}
	}
	for _, purpose := range []string{PurposePersonaReply} {
		if _, ok := r.prompts[purpose]; !ok {
			return nil, fmt.Errorf("genai: no prompt found for purpose=%s", purpose)
		}
	}
	return r, nil
}

// canonicalPromptText normalizes newlines to \n and enforces exactly one
// trailing newline so rendered prompts are stable across newline conventions.
func canonicalPromptText(raw []byte) string {
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.TrimRight(normalized, "\n") + "\n"
}

// PromptID returns the manifest id for a purpose, or "" when absent.
func (r *Renderer) PromptID(purpose string) string {
	return r.prompts[purpose].id
}

// PromptSHA256 returns the recorded digest for a purpose, or "" when absent.
func (r *Renderer) PromptSHA256(purpose string) string {
	return r.prompts[purpose].sha256
}

func (r *Renderer) systemPrompt(purpose string) (string, error) {
	entry, ok := r.prompts[purpose]
	if !ok {
		// persona_reply is guaranteed at construction and covers purposes
		// a deployment has not split out into their own prompt files.
		entry = r.prompts[PurposePersonaReply]
	}
	if entry.text == "" {
		return "", fmt.Errorf("genai: no prompt found for purpose=%s", purpose)
	}
	return entry.text, nil
}

func formatRecent(recent []string) string {
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	var lines []string
	for _, msg := range recent {
		safe := strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(msg))
		if safe != "" {
			lines = append(lines, "- "+safe)
		}
	}
	if len(lines) == 0 {
		return "(none)"
	}
	return strings.Join(lines, "\n")
}

func policyTagsJSON(tags map[string]any) string {
	if len(tags) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(tags[k])
		if err != nil {
			vb = []byte("null")
		}
		b.Write(kb)
		b.WriteString(": ")
		b.Write(vb)
	}
	b.WriteString("}")
	return b.String()
}

func chatContextBlock(req llm.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "persona: %s\n", req.PersonaDisplayName)
	fmt.Fprintf(&b, "room: %s\n", req.RoomID)
	fmt.Fprintf(&b, "policy_tags: %s\n", policyTagsJSON(req.Tags))
	b.WriteString("--- BEGIN CHAT CONTEXT ---\n")
	fmt.Fprintf(&b, "recent_messages:\n%s\n", formatRecent(req.RecentMessages))
	fmt.Fprintf(&b, "triggering_message: %s\n", req.Content)
	b.WriteString("--- END CHAT CONTEXT ---")
	return b.String()
}

// appendContextBlocks adds the observation and memory blocks after the chat
// context when the worker supplied them.
func appendContextBlocks(base string, req llm.Request) string {
	var b strings.Builder
	b.WriteString(base)
	if strings.TrimSpace(req.ObservationContext) != "" {
		b.WriteString("\n")
		b.WriteString(req.ObservationContext)
	}
	if strings.TrimSpace(req.MemoryContext) != "" {
		b.WriteString("\n")
		b.WriteString(req.MemoryContext)
	}
	return b.String()
}

// RenderPersonaReply renders the reply prompt pair for a triggering chat
// message.
func (r *Renderer) RenderPersonaReply(req llm.Request) (string, string, error) {
	system, err := r.systemPrompt(PurposePersonaReply)
	if err != nil {
		return "", "", err
	}
	return system, appendContextBlocks(chatContextBlock(req), req), nil
}

// RenderAutoCommentary renders the prompt pair for unprompted commentary on
// a stream observation.
func (r *Renderer) RenderAutoCommentary(req llm.Request) (string, string, error) {
	system, err := r.systemPrompt(PurposeAutoCommentary)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "persona: %s\n", req.PersonaDisplayName)
	fmt.Fprintf(&b, "room: %s\n", req.RoomID)
	if strings.TrimSpace(req.PersonaProfile) != "" {
		fmt.Fprintf(&b, "persona_profile:\n%s\n", req.PersonaProfile)
	}
	b.WriteString("--- BEGIN STREAM CONTEXT ---\n")
	fmt.Fprintf(&b, "observation_summary: %s\n", req.ObservationSummary)
	if strings.TrimSpace(req.ObservationContext) != "" {
		fmt.Fprintf(&b, "%s\n", req.ObservationContext)
	}
	b.WriteString("--- END STREAM CONTEXT ---")
	user := b.String()
	if strings.TrimSpace(req.MemoryContext) != "" {
		user += "\n" + req.MemoryContext
	}
	return system, user, nil
}

// RenderMemoryExtract renders the prompt pair asking the model for memory
// items. The user prompt carries the extraction request marker the stub
// backend dispatches on.
func (r *Renderer) RenderMemoryExtract(req llm.Request) (string, string, error) {
	system, err := r.systemPrompt(PurposeMemoryExtract)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	b.WriteString(MemoryExtractHeader + "\n")
	fmt.Fprintf(&b, "persona: %s\n", req.PersonaDisplayName)
	fmt.Fprintf(&b, "room: %s\n", req.RoomID)
	fmt.Fprintf(&b, "recent_messages:\n%s\n", formatRecent(req.RecentMessages))
	fmt.Fprintf(&b, "message: %s", req.Content)
	return system, b.String(), nil
}

// RenderStreamObservation renders the prompt pair asking the model to
// describe a frame joined with its transcripts. payloadJSON is the encoded
// observation request the perceiver assembled.
func (r *Renderer) RenderStreamObservation(payloadJSON string) (string, string, error) {
	system, err := r.systemPrompt(PurposeStreamObs)
	if err != nil {
		return "", "", err
	}
	user := fmt.Sprintf("%s\nPAYLOAD_JSON:\n%s", StreamObsHeader, payloadJSON)
	return system, user, nil
}
