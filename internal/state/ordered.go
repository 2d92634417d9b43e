package state

// orderedTTL is an insertion-ordered string set with per-entry timestamps,
// pruned from the front while entries are older than the window.
type orderedTTL struct {
	keys  []string
	index map[string]int64
}

func newOrderedTTL() *orderedTTL {
	return &orderedTTL{index: map[string]int64{}}
}

func (o *orderedTTL) prune(nowMS, windowMS int64) {
	if windowMS <= 0 {
		o.keys = nil
		o.index = map[string]int64{}
		return
	}
	i := 0
	for i < len(o.keys) {
		ts, ok := o.index[o.keys[i]]
		if ok && nowMS-ts <= windowMS {
			break
		}
		if ok {
			delete(o.index, o.keys[i])
		}
		i++
	}
	o.keys = o.keys[i:]
}

// SeenBefore prunes expired entries, then reports whether the key is still
// present; absent keys are recorded at nowMS.
func (o *orderedTTL) SeenBefore(key string, nowMS, windowMS int64) bool {
	o.prune(nowMS, windowMS)
	if _, ok := o.index[key]; ok {
		return true
	}
	o.index[key] = nowMS
	o.keys = append(o.keys, key)
	return false
}

type countEntry struct {
	firstSeen int64
	count     int
}

// orderedCounts tracks per-observation publish counts, ordered by most
// recent update and pruned from the front by first-seen age.
type orderedCounts struct {
	keys  []string
	index map[string]countEntry
}

func newOrderedCounts() *orderedCounts {
	return &orderedCounts{index: map[string]countEntry{}}
}

func (o *orderedCounts) prune(nowMS, windowMS int64) {
	if windowMS <= 0 {
		o.keys = nil
		o.index = map[string]countEntry{}
		return
	}
	i := 0
	for i < len(o.keys) {
		e, ok := o.index[o.keys[i]]
		if ok && nowMS-e.firstSeen <= windowMS {
			break
		}
		if ok {
			delete(o.index, o.keys[i])
		}
		i++
	}
	o.keys = o.keys[i:]
}

// Count prunes and returns the key's publish count within the window.
func (o *orderedCounts) Count(key string, nowMS, windowMS int64) int {
	o.prune(nowMS, windowMS)
	return o.index[key].count
}

// Increment prunes, bumps the key's count (first-seen preserved) and moves
// it to the back of the eviction order.
func (o *orderedCounts) Increment(key string, nowMS, windowMS int64) int {
	o.prune(nowMS, windowMS)
	e, ok := o.index[key]
	if ok {
		e.count++
		for i, k := range o.keys {
			if k == key {
				o.keys = append(o.keys[:i], o.keys[i+1:]...)
				break
			}
		}
	} else {
		e = countEntry{firstSeen: nowMS, count: 1}
	}
	o.index[key] = e
	o.keys = append(o.keys, key)
	return e.count
}
