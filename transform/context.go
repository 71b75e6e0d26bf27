package transform

import (
	"maps"
	"sync"
)

// Context is state shared by transforms across batches. It owns the mapping
// from fungible asset metadata address to the legacy coin type.
type Context struct {
	mu        sync.RWMutex
	coinTypes map[string]string
}

// NewContext seeds the context, typically from the persisted mapping table.
func NewContext(coinTypes map[string]string) *Context {
	c := &Context{coinTypes: make(map[string]string, len(coinTypes))}
	for fa, coin := range coinTypes {
		c.coinTypes[StandardizeAddress(fa)] = coin
	}
	return c
}

// CoinType returns the coin type paired with a fungible asset.
func (c *Context) CoinType(faAddress string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coin, ok := c.coinTypes[faAddress]
	return coin, ok
}

// Merge adds mappings discovered in a batch.
func (c *Context) Merge(coinTypes map[string]string) {
	if len(coinTypes) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.Copy(c.coinTypes, coinTypes)
}

// Snapshot returns a copy of the current mapping.
func (c *Context) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.coinTypes)
}

func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.coinTypes)
}
