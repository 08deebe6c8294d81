package partition

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

type result struct {
	label Label
	ok    bool
}

type cached struct {
	next  Classifier
	cache *lru.Cache[string, result]
}

// Cached memoizes up to size classifications of c. Classifiers must be pure
// for the cache to be transparent.
func Cached(c Classifier, size int) (Classifier, error) {
	cache, err := lru.New[string, result](size)
	if err != nil {
		return nil, err
	}
	return &cached{next: c, cache: cache}, nil
}

func (c *cached) Classify(id string) (Label, bool) {
	if r, ok := c.cache.Get(id); ok {
		return r.label, r.ok
	}
	l, ok := c.next.Classify(id)
	c.cache.Add(id, result{label: l, ok: ok})
	return l, ok
}
