package replay

import (
	"context"

	"github.com/l0p7/cdsgate/internal/expiring"
)

// CacheName is the registry name of the in-process replay cache.
const CacheName = "replay"

type memoryStore struct {
	cache *expiring.Cache[string, struct{}]
}

// NewMemory records identifiers in the named replay cache of reg.
func NewMemory(reg *expiring.Registry) (Store, error) {
	c, err := expiring.Named[string, struct{}](reg, CacheName)
	if err != nil {
		return nil, err
	}
	return &memoryStore{cache: c}, nil
}

func (m *memoryStore) Record(_ context.Context, jti string) (bool, error) {
	return m.cache.PutIfAbsent(jti, struct{}{}), nil
}

func (m *memoryStore) Close(context.Context) error {
	return nil
}
