package radnerf

import "sync"

// ===========================================================================
// CONDITION CACHE - Encode each frame's conditioning once
// ===========================================================================
//
// The conditioning feature of a frame depends only on its conditioning
// window, never on the spatial samples. A renderer that marches many
// batches of rays through the same frame (or re-renders a frame from
// several views) would otherwise rerun the prenet and attention net for
// every batch.
//
// ConditionCache stores encoded features keyed by frame index. It holds at
// most maxLen frames; inserting beyond that evicts the oldest insertion,
// which matches the usual front-to-back sweep over a sequence.
//
// Cached tensors are shared by every reader and must be treated as
// read-only.
//
// ===========================================================================

// ConditionCache is a bounded, concurrency-safe map from frame index to
// (1, cond_out_dim) conditioning feature.
type ConditionCache struct {
	mu      sync.RWMutex
	entries map[int]*Tensor
	order   []int // insertion order, oldest first
	maxLen  int
}

// NewConditionCache creates a cache holding at most maxLen frames.
// maxLen <= 0 means unbounded.
func NewConditionCache(maxLen int) *ConditionCache {
	return &ConditionCache{
		entries: make(map[int]*Tensor),
		maxLen:  maxLen,
	}
}

// Get returns the cached feature for frame.
func (c *ConditionCache) Get(frame int) (*Tensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.entries[frame]
	return t, ok
}

// Put stores the feature for frame, replacing any previous entry.
func (c *ConditionCache) Put(frame int, feat *Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(frame, feat)
}

func (c *ConditionCache) putLocked(frame int, feat *Tensor) {
	if _, ok := c.entries[frame]; !ok {
		c.order = append(c.order, frame)
	}
	c.entries[frame] = feat

	for c.maxLen > 0 && len(c.order) > c.maxLen {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// GetOrCompute returns the cached feature for frame, computing and storing
// it with compute on a miss. compute runs outside the lock, so two callers
// missing on the same frame may both compute; the results are identical
// and the last one wins.
func (c *ConditionCache) GetOrCompute(frame int, compute func() (*Tensor, error)) (*Tensor, error) {
	if t, ok := c.Get(frame); ok {
		return t, nil
	}
	t, err := compute()
	if err != nil {
		return nil, err
	}
	c.Put(frame, t)
	return t, nil
}

// Len returns the number of cached frames.
func (c *ConditionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Reset clears the cache. Call it when the decoder's parameters change.
func (c *ConditionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]*Tensor)
	c.order = nil
}
