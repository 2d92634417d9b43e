package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chorus-chat/chorus/internal/protocol"
	"github.com/chorus-chat/chorus/pkg/det"
)

// ErrIdentifiersRequired is returned before any network call when a scope
// key yields no remote identifier (agent, run or user id).
var ErrIdentifiersRequired = errors.New("memory: remote identifiers required: one of app_id, user_id, agent_id, run_id must be set")

var identifierKeys = []string{"app_id", "user_id", "agent_id", "run_id"}

// NormalizeBaseURL canonicalizes a remote memory base URL: duplicate
// slashes collapse, trailing slashes drop, and a trailing /v1 or /v2
// version segment is stripped so endpoint paths can be appended uniformly.
// Both historical configuration forms (with and without the version
// suffix) are accepted.
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		path := collapseSlashes(u.Path)
		path = strings.TrimRight(path, "/")
		path = stripVersionSuffix(path)
		u.Path = path
		u.RawQuery = ""
		u.Fragment = ""
		return strings.TrimRight(u.String(), "/")
	}
	trimmed := strings.TrimRight(collapseSlashesOutsideScheme(raw), "/")
	return stripVersionSuffix(trimmed)
}

func stripVersionSuffix(path string) string {
	for _, suffix := range []string{"/v1", "/v2"} {
		if strings.HasSuffix(path, suffix) {
			path = strings.TrimRight(strings.TrimSuffix(path, suffix), "/")
		}
	}
	return path
}

func collapseSlashes(s string) string {
	var b strings.Builder
	prevSlash := false
	for _, r := range s {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// collapseSlashesOutsideScheme collapses slash runs except the "://" of a
// scheme separator, for inputs that do not parse as absolute URLs.
func collapseSlashesOutsideScheme(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '/' && i > 0 && runes[i-1] == '/' && !(i >= 2 && runes[i-2] == ':') {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// identifiersFromScopeKey lifts remote identifiers out of a scope key.
// Prefixed forms: "persona:<id>" -> agent; "persona_room:<room>:<id>" ->
// agent+run (rooms may contain colons, the persona id is the last part);
// "persona_user:<room>:<persona>:<user>" -> user+agent+run. Legacy
// un-prefixed "room:..." keys and bare persona ids are also understood.
func identifiersFromScopeKey(scopeKey string) map[string]string {
	raw := strings.TrimSpace(scopeKey)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ":")
	ids := map[string]string{}
	put := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			ids[key] = v
		}
	}

	switch {
	case parts[0] == ScopePersona && len(parts) >= 2:
		put("agent_id", strings.Join(parts[1:], ":"))
		if len(ids) == 0 {
			return map[string]string{"user_id": raw}
		}
		return ids

	case parts[0] == ScopePersonaRoom && len(parts) >= 3:
		put("agent_id", parts[len(parts)-1])
		put("run_id", strings.Join(parts[1:len(parts)-1], ":"))
		if len(ids) == 0 {
			return map[string]string{"user_id": raw}
		}
		return ids

	case parts[0] == ScopePersonaUser && len(parts) >= 4:
		put("user_id", parts[len(parts)-1])
		put("agent_id", parts[len(parts)-2])
		put("run_id", strings.Join(parts[1:len(parts)-2], ":"))
		if len(ids) == 0 {
			return map[string]string{"user_id": raw}
		}
		return ids

	case parts[0] == "room" && len(parts) >= 4:
		put("user_id", parts[len(parts)-1])
		put("agent_id", parts[len(parts)-2])
		put("run_id", strings.Join(parts[:len(parts)-2], ":"))
		if len(ids) == 0 {
			return map[string]string{"user_id": raw}
		}
		return ids

	case parts[0] == "room" && len(parts) >= 3:
		put("agent_id", parts[len(parts)-1])
		put("run_id", strings.Join(parts[:len(parts)-1], ":"))
		if len(ids) == 0 {
			return map[string]string{"user_id": raw}
		}
		return ids

	case !strings.Contains(raw, ":"):
		return map[string]string{"agent_id": raw}
	}

	return map[string]string{"user_id": raw}
}

// RemoteConfig configures the mem0-style HTTP backend.
type RemoteConfig struct {
	BaseURL   string
	APIKey    string
	AppID     string
	OrgID     string
	ProjectID string
	Timeout   time.Duration
	MaxItems  int
	MaxChars  int
}

// RemoteStore talks to a mem0-compatible memory service over HTTP and keeps
// a local mirror of its own writes for the stats surface.
type RemoteStore struct {
	baseURL   string
	addURL    string
	searchURL string
	apiKey    string
	appID     string
	orgID     string
	projectID string
	maxItems  int
	maxChars  int
	http      *http.Client

	mu     sync.Mutex
	mirror map[string][]*Item
}

// NewRemoteStore builds a store from config, normalizing the base URL.
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	base := NormalizeBaseURL(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("memory: remote base url required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("memory: remote api key required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 5
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = 800
	}
	return &RemoteStore{
		baseURL:   base,
		addURL:    base + "/v1/memories/",
		searchURL: base + "/v2/memories/search/",
		apiKey:    cfg.APIKey,
		appID:     strings.TrimSpace(cfg.AppID),
		orgID:     cfg.OrgID,
		projectID: cfg.ProjectID,
		maxItems:  maxItems,
		maxChars:  maxChars,
		http:      &http.Client{Timeout: timeout},
		mirror:    map[string][]*Item{},
	}, nil
}

// BaseURL returns the normalized service root.
func (s *RemoteStore) BaseURL() string { return s.baseURL }

func (s *RemoteStore) post(ctx context.Context, endpoint string, payload map[string]any) (map[string]any, error) {
	if s.orgID != "" {
		if _, ok := payload["org_id"]; !ok {
			payload["org_id"] = s.orgID
		}
	}
	if s.projectID != "" {
		if _, ok := payload["project_id"]; !ok {
			payload["project_id"] = s.projectID
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("memory: encode remote payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("memory: build remote request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: remote request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("memory: read remote response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("memory: remote status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("memory: decode remote response: %w", err)
	}
	return decoded, nil
}

func hasIdentifier(m map[string]string) bool {
	for _, key := range identifierKeys {
		if strings.TrimSpace(m[key]) != "" {
			return true
		}
	}
	return false
}

// Search implements Store against the remote search endpoint. Identifiers
// derived from the scope key travel as filters.
func (s *RemoteStore) Search(ctx context.Context, scopeKey, query string, limit int) (*QueryResult, error) {
	ids := identifiersFromScopeKey(scopeKey)
	if s.appID != "" && strings.TrimSpace(ids["app_id"]) == "" {
		if ids == nil {
			ids = map[string]string{}
		}
		ids["app_id"] = s.appID
	}
	if !hasIdentifier(ids) {
		return nil, ErrIdentifiersRequired
	}
	if limit <= 0 || limit > s.maxItems {
		limit = s.maxItems
	}
	filters := map[string]any{}
	for k, v := range ids {
		filters[k] = v
	}
	payload := map[string]any{"query": query, "limit": limit, "filters": filters}
	resp, err := s.post(ctx, s.searchURL, payload)
	if err != nil {
		return nil, err
	}

	results, ok := resp["results"].([]any)
	if !ok {
		results, _ = resp["data"].([]any)
	}
	out := &QueryResult{Matched: len(results)}
	for idx, raw := range results {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		item := s.buildItem(entry, scopeKey, idx)
		out.Items = append(out.Items, item)
		if len(out.Items) >= s.maxItems {
			break
		}
	}
	return out, nil
}

// buildItem reconstructs an Item from a remote search hit, preferring the
// metadata the worker wrote over service-level fields.
func (s *RemoteStore) buildItem(entry map[string]any, scopeKey string, idx int) *Item {
	metadata, _ := entry["metadata"].(map[string]any)
	getStr := func(m map[string]any, keys ...string) string {
		for _, key := range keys {
			if v, ok := m[key].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	value := getStr(metadata, "value")
	if value == "" {
		value = getStr(entry, "memory", "content")
	}
	if len(value) > s.maxChars {
		value = value[:s.maxChars]
	}

	id := getStr(entry, "id", "memory_id", "uuid")
	if id == "" {
		sum := det.SHA256Hex(fmt.Sprintf("%s:%s:%d", scopeKey, value, idx))
		id = "mem0:" + sum[:16]
	}

	ts := getStr(metadata, "ts")
	if ts == "" {
		ts = protocol.NowRFC3339()
	}
	scope := getStr(metadata, "scope")
	if scope == "" {
		scope = scopeFromKey(scopeKey)
	}
	subject := getStr(metadata, "subject")
	if subject == "" {
		subject = "memory"
	}
	category := getStr(metadata, "category")
	if category == "" {
		category = "general"
	}
	ttlDays := 30
	if v, ok := metadata["ttl_days"].(float64); ok && v > 0 {
		ttlDays = int(v)
	}
	confidence := 0.5
	if v, ok := metadata["confidence"].(float64); ok && v != 0 {
		confidence = v
	} else if v, ok := entry["score"].(float64); ok && v != 0 {
		confidence = v
	}

	item := &Item{
		SchemaName:    getStr(metadata, "schema_name"),
		SchemaVersion: getStr(metadata, "schema_version"),
		ID:            id,
		TS:            ts,
		Scope:         scope,
		ScopeKey:      scopeKey,
		Category:      category,
		Subject:       subject,
		Value:         value,
		Confidence:    confidence,
		TTLDays:       TTLDaysValue(ttlDays),
		Source:        map[string]any{"kind": "remote_search", "memory_id": id},
	}
	if mk := getStr(metadata, "scope_key"); mk != "" {
		item.ScopeKey = mk
	}
	if tags, ok := metadata["tags"].(map[string]any); ok {
		item.Tags = tags
	}
	if reds, ok := metadata["redactions"].([]any); ok {
		for _, r := range reds {
			if str, ok := r.(string); ok {
				item.Redactions = append(item.Redactions, str)
			}
		}
	}
	if src, ok := metadata["source"].(map[string]any); ok {
		item.Source = src
	}
	return item
}

// Upsert implements Store: it posts the value as a single user message with
// the item's fields as metadata, inference disabled, and mirrors the item
// locally so Dump works without a network round trip.
func (s *RemoteStore) Upsert(ctx context.Context, scopeKey string, item *Item) error {
	if strings.TrimSpace(item.ScopeKey) == "" {
		return errors.New("memory: scope_key required")
	}
	if item.ScopeKey != scopeKey {
		return errors.New("memory: scope_key mismatch")
	}
	ids := identifiersFromScopeKey(scopeKey)
	if s.appID != "" && strings.TrimSpace(ids["app_id"]) == "" {
		if ids == nil {
			ids = map[string]string{}
		}
		ids["app_id"] = s.appID
	}
	if !hasIdentifier(ids) {
		return ErrIdentifiersRequired
	}

	metadata := map[string]any{
		"scope":          item.Scope,
		"scope_key":      item.ScopeKey,
		"category":       item.Category,
		"subject":        item.Subject,
		"confidence":     item.Confidence,
		"schema_name":    item.SchemaName,
		"schema_version": item.SchemaVersion,
	}
	if item.TTLDays != nil {
		metadata["ttl_days"] = *item.TTLDays
	}
	if len(item.Tags) > 0 {
		metadata["tags"] = item.Tags
	}
	if len(item.Redactions) > 0 {
		metadata["redactions"] = item.Redactions
	}

	payload := map[string]any{
		"messages":   []map[string]any{{"role": "user", "content": item.Value}},
		"infer":      false,
		"async_mode": false,
		"metadata":   metadata,
	}
	for k, v := range ids {
		payload[k] = v
	}
	if _, err := s.post(ctx, s.addURL, payload); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := personaBucket(scopeKey)
	for i, existing := range s.mirror[bucket] {
		if existing.ID == item.ID {
			s.mirror[bucket][i] = item
			return nil
		}
	}
	s.mirror[bucket] = append(s.mirror[bucket], item)
	return nil
}

// Dump implements Store from the local mirror of this process's writes.
func (s *RemoteStore) Dump() map[string][]*Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*Item, len(s.mirror))
	for k, items := range s.mirror {
		out[k] = append([]*Item(nil), items...)
	}
	return out
}

// Describe implements Store.
func (s *RemoteStore) Describe() string { return "remote" }

func scopeFromKey(scopeKey string) string {
	switch {
	case strings.HasPrefix(scopeKey, ScopePersonaUser):
		return ScopePersonaUser
	case strings.HasPrefix(scopeKey, ScopePersonaRoom):
		return ScopePersonaRoom
	case strings.HasPrefix(scopeKey, ScopePersona):
		return ScopePersona
	default:
		return ScopePersonaRoom
	}
}
