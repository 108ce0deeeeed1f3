package llm

import (
	"sync/atomic"
)

// KeyPool is a process-wide rotating pool of provider API keys.
// Rotation on quota errors is a compare-and-swap on the current index, so
// concurrent callers hitting 429 on the same key advance it exactly once.
type KeyPool struct {
	keys []string
	idx  atomic.Int64
}

// NewKeyPool creates a pool. An empty key list yields a zero-size pool;
// callers must check Size before use.
func NewKeyPool(keys []string) *KeyPool {
	return &KeyPool{keys: keys}
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	return len(p.keys)
}

// Current returns the active key and the rotation counter that selected it.
// The counter is passed back to RotateFrom so only the caller that observed
// the failing key rotates.
func (p *KeyPool) Current() (string, int64) {
	if len(p.keys) == 0 {
		return "", 0
	}
	i := p.idx.Load()
	return p.keys[int(i)%len(p.keys)], i
}

// RotateFrom advances the pool past the key selected by observed. Returns
// true when this call performed the rotation; false when another caller
// already advanced it.
func (p *KeyPool) RotateFrom(observed int64) bool {
	if len(p.keys) == 0 {
		return false
	}
	return p.idx.CompareAndSwap(observed, observed+1)
}
