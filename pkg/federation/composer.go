package federation

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/jensneuse/abstractlogger"

	"github.com/ChaseNoCap/meta-gothic-framework-sub001/pkg/subgraph"
)

const compositionCacheSize = 16

// Composer wraps Compose with a small result cache keyed by the hash of the
// input descriptor set. Safe because composition is pure and deterministic.
type Composer struct {
	log   abstractlogger.Logger
	cache *lru.Cache
}

func NewComposer(logger abstractlogger.Logger) *Composer {
	if logger == nil {
		logger = abstractlogger.NoopLogger
	}
	cache, _ := lru.New(compositionCacheSize)
	return &Composer{
		log:   logger,
		cache: cache,
	}
}

func (c *Composer) Compose(descriptors []*subgraph.Descriptor) (*Supergraph, error) {
	key := HashDescriptors(descriptors)
	if cached, ok := c.cache.Get(key); ok {
		c.log.Debug("composition cache hit", abstractlogger.Any("hash", key))
		return cached.(*Supergraph), nil
	}

	sg, err := Compose(descriptors)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, sg)
	return sg, nil
}
