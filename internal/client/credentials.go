package client

import (
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// CredentialStore keeps the client's current credential pair.
type CredentialStore interface {
	Load() (*models.CredentialPair, bool)
	Save(pair *models.CredentialPair)
	Clear()
}

// MemoryCredentials is a CredentialStore held in process memory.
type MemoryCredentials struct {
	mu   sync.RWMutex
	pair *models.CredentialPair
}

// NewMemoryCredentials returns a store seeded with pair, which may be nil.
func NewMemoryCredentials(pair *models.CredentialPair) *MemoryCredentials {
	c := &MemoryCredentials{}
	if pair != nil {
		c.Save(pair)
	}
	return c
}

func (c *MemoryCredentials) Load() (*models.CredentialPair, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pair == nil {
		return nil, false
	}
	copied := *c.pair
	return &copied, true
}

func (c *MemoryCredentials) Save(pair *models.CredentialPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pair == nil {
		c.pair = nil
		return
	}
	copied := *pair
	c.pair = &copied
}

func (c *MemoryCredentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = nil
}
