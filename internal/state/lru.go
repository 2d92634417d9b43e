package state

import "container/list"

// lruSet is a bounded set evicting in insertion order, backing the message
// id dedupe cache. Hits do not refresh recency: a message id falls out of
// the cache a fixed number of insertions after it was first seen.
type lruSet struct {
	cap   int
	order *list.List // front = oldest
	index map[string]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{cap: capacity, order: list.New(), index: map[string]*list.Element{}}
}

// SeenBefore returns true when the key is already in the set. Otherwise it
// inserts the key, evicting the oldest entry past capacity, and returns
// false.
func (l *lruSet) SeenBefore(key string) bool {
	if _, ok := l.index[key]; ok {
		return true
	}
	l.index[key] = l.order.PushBack(key)
	if l.cap > 0 && l.order.Len() > l.cap {
		oldest := l.order.Front()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
	return false
}

func (l *lruSet) Len() int { return l.order.Len() }
