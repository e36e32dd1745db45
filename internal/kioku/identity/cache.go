package identity

import (
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// Cache holds identity lookups for the lifetime of one run. Source user IDs
// map to bridging keys and bridging keys map to personas in separate tables,
// because several source IDs commonly share one bridging key.
//
// Cache is safe for concurrent use. Entries may be evicted under memory
// pressure; a miss only costs another lookup.
type Cache struct {
	users    *ristretto.Cache
	personas *ristretto.Cache
}

// personaEntry is a cached directory answer. Found is false for a key the
// directory does not know, so misses are not looked up again.
type personaEntry struct {
	PersonaID string
	Found     bool
}

// userEntry is a cached bridging key for a source user.
type userEntry struct {
	BridgingKey string
}

// NewCache creates a cache sized for roughly maxEntries identities.
// maxEntries <= 0 selects a default of 100000.
func NewCache(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	n := int64(maxEntries)
	newTable := func() (*ristretto.Cache, error) {
		return ristretto.NewCache(&ristretto.Config{
			NumCounters:        n * 10,
			MaxCost:            n,
			BufferItems:        64,
			// Every entry costs 1, so MaxCost is an entry count.
			IgnoreInternalCost: true,
		})
	}
	users, err := newTable()
	if err != nil {
		return nil, fmt.Errorf("identity: create user cache: %w", err)
	}
	personas, err := newTable()
	if err != nil {
		users.Close()
		return nil, fmt.Errorf("identity: create persona cache: %w", err)
	}
	return &Cache{users: users, personas: personas}, nil
}

// Close releases the cache. It must not be used afterwards.
func (c *Cache) Close() {
	c.users.Close()
	c.personas.Close()
}

func (c *Cache) bridgingKey(sourceUserID string) (userEntry, bool) {
	v, ok := c.users.Get(sourceUserID)
	if !ok {
		return userEntry{}, false
	}
	e, ok := v.(userEntry)
	return e, ok
}

func (c *Cache) setBridgingKey(sourceUserID string, e userEntry) {
	c.users.Set(sourceUserID, e, 1)
	c.users.Wait()
}

func (c *Cache) persona(bridgingKey string) (personaEntry, bool) {
	v, ok := c.personas.Get(bridgingKey)
	if !ok {
		return personaEntry{}, false
	}
	e, ok := v.(personaEntry)
	return e, ok
}

func (c *Cache) setPersona(bridgingKey string, e personaEntry) {
	c.personas.Set(bridgingKey, e, 1)
	c.personas.Wait()
}
