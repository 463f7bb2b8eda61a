package pipeline

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/econaudit/internal/domain"
)

// ResultCache remembers finished validations so the same vulnerability on the
// same fork block is not synthesized and executed twice within the TTL. It is
// safe for concurrent use.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]cachedValidation
	ttl     time.Duration
	now     func() time.Time
}

type cachedValidation struct {
	v      domain.Validation
	stored time.Time
}

// NewResultCache creates a cache whose entries expire after ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		entries: make(map[string]cachedValidation),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached validation for key if it has not expired.
func (c *ResultCache) Get(key string) (domain.Validation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Validation{}, false
	}
	if c.now().Sub(e.stored) >= c.ttl {
		delete(c.entries, key)
		return domain.Validation{}, false
	}
	return e.v, true
}

// Put stores v under key. Only conclusive outcomes are kept; failed runs are
// worth retrying.
func (c *ResultCache) Put(key string, v domain.Validation) {
	switch v.Outcome.Status {
	case domain.OutcomeOK, domain.OutcomeNegative:
	default:
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedValidation{v: v, stored: c.now()}
}

// Cleanup drops expired entries.
func (c *ResultCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.stored) >= c.ttl {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// validationKey identifies a vulnerability on a target at a fork block,
// priced with a given capital and native rate.
func validationKey(req ValidateRequest) string {
	parts := []string{string(req.Chain), req.Iface.Address.Hex(), strconv.FormatUint(req.Block, 10)}
	switch {
	case req.Ref.Opportunity != nil:
		parts = append(parts, "opp", req.Ref.Opportunity.ID)
	case req.Ref.Finding != nil:
		parts = append(parts, "finding", string(req.Ref.Finding.Kind), req.Ref.Finding.Location)
	}
	capital := "-"
	if req.Capital != nil {
		capital = req.Capital.String()
	}
	parts = append(parts, "capital", capital,
		"native", req.Native.Quote, req.Native.Price.String())
	return strings.Join(parts, "|")
}
