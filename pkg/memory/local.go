package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/chorus-chat/chorus/internal/protocol"
)

var tokenSplit = regexp.MustCompile(`\W+`)

// LocalStore is the in-process memory backend. It is the default for
// development and end-to-end runs and doubles as the read mirror other
// backends keep for the stats surface.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string][]*Item
}

// NewLocalStore returns an empty store.
func NewLocalStore() *LocalStore {
	return &LocalStore{buckets: map[string][]*Item{}}
}

// fixturesFile is the JSON shape of seeded memories:
// {"personas": {"<persona_id>": [<items>]}}.
type fixturesFile struct {
	Personas map[string][]*Item `json:"personas"`
}

// NewLocalStoreFromFixtures seeds a store from a fixtures file. Every item
// must validate.
func NewLocalStoreFromFixtures(path string) (*LocalStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memory: read fixtures: %w", err)
	}
	var fixtures fixturesFile
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		return nil, fmt.Errorf("memory: decode fixtures %s: %w", path, err)
	}
	store := NewLocalStore()
	for personaID, items := range fixtures.Personas {
		for _, item := range items {
			if err := item.Validate(); err != nil {
				return nil, fmt.Errorf("memory: fixture for %s: %w", personaID, err)
			}
			store.buckets[personaID] = append(store.buckets[personaID], item)
		}
	}
	return store, nil
}

type scoredItem struct {
	score int
	tsMS  int64
	item  *Item
}

// scoreItem ranks an item against query tokens: each token scores 3 for a
// subject hit, 2 for a value hit and 1 for a category hit.
func scoreItem(item *Item, query string) int {
	score := 0
	subject := strings.ToLower(item.Subject)
	value := strings.ToLower(item.Value)
	category := strings.ToLower(item.Category)
	for _, tok := range tokenSplit.Split(strings.ToLower(strings.TrimSpace(query)), -1) {
		if tok == "" {
			continue
		}
		if strings.Contains(subject, tok) {
			score += 3
		}
		if strings.Contains(value, tok) {
			score += 2
		}
		if strings.Contains(category, tok) {
			score += 1
		}
	}
	return score
}

// Search implements Store. Only items whose scope key matches exactly and
// that score above zero are returned, ordered by score desc, ts desc, id asc.
func (s *LocalStore) Search(_ context.Context, scopeKey, query string, limit int) (*QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []scoredItem
	for _, items := range s.buckets {
		for _, item := range items {
			if item.ScopeKey != scopeKey {
				continue
			}
			score := scoreItem(item, query)
			if score <= 0 {
				continue
			}
			tsMS, _ := protocol.TimestampMS(item.TS)
			matches = append(matches, scoredItem{score: score, tsMS: tsMS, item: item})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		if matches[i].tsMS != matches[j].tsMS {
			return matches[i].tsMS > matches[j].tsMS
		}
		return matches[i].item.ID < matches[j].item.ID
	})
	result := &QueryResult{Matched: len(matches)}
	for i, m := range matches {
		if limit > 0 && i >= limit {
			break
		}
		result.Items = append(result.Items, m.item)
	}
	return result, nil
}

// Upsert implements Store, replacing by item id within the persona bucket.
// Items whose scope key disagrees with the write key are dropped.
func (s *LocalStore) Upsert(_ context.Context, scopeKey string, item *Item) error {
	if item.ScopeKey != scopeKey {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(scopeKey, item)
	return nil
}

func (s *LocalStore) insertLocked(scopeKey string, item *Item) {
	bucket := personaBucket(scopeKey)
	for i, existing := range s.buckets[bucket] {
		if existing.ID == item.ID {
			s.buckets[bucket][i] = item
			return
		}
	}
	s.buckets[bucket] = append(s.buckets[bucket], item)
}

// Dump implements Store.
func (s *LocalStore) Dump() map[string][]*Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]*Item, len(s.buckets))
	for k, items := range s.buckets {
		out[k] = append([]*Item(nil), items...)
	}
	return out
}

// Describe implements Store.
func (s *LocalStore) Describe() string { return "local" }
