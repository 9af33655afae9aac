package delegation

import (
	"context"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/logging"
)

const (
	canonicalCacheSize = 256
	canonicalCacheTTL  = 5 * time.Minute
)

// defaultAliases is the static fallback table applied when no dynamic
// lookup is available. Legacy names and common shorthands map to canonical
// agent ids.
var defaultAliases = map[string]string{
	"mail":       "mail-agent",
	"email":      "mail-agent",
	"gmail":      "mail-agent",
	"calendar":   "calendar-agent",
	"scheduler":  "calendar-agent",
	"shopping":   "shop-agent",
	"commerce":   "shop-agent",
	"research":   "research-agent",
	"researcher": "research-agent",
}

type canonicalEntry struct {
	name     string
	cachedAt time.Time
}

// Canonicalizer de-aliases agent names to stable identifiers. Resolution
// order: short-TTL in-memory cache, then the catalog collaborator, then the
// static alias table, then the normalized input itself. It never fails: an
// unknown name simply resolves to itself and lets the target-not-found
// circuit breaker handle it downstream.
//
// Requesting and resolving sides of a delegation must both canonicalize
// through the same instance or the delegation-key correlation silently
// breaks.
type Canonicalizer struct {
	catalog core.Catalog
	cache   *lru.Cache[string, canonicalEntry]
	ttl     time.Duration
	aliases map[string]string
	logger  logging.Logger
	now     func() time.Time
}

// NewCanonicalizer constructs a Canonicalizer. catalog may be nil, in which
// case only the static table applies. extraAliases overlay the defaults.
func NewCanonicalizer(catalog core.Catalog, extraAliases map[string]string, logger logging.Logger) *Canonicalizer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	aliases := make(map[string]string, len(defaultAliases)+len(extraAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	for k, v := range extraAliases {
		aliases[normalizeName(k)] = v
	}

	cache, err := lru.New[string, canonicalEntry](canonicalCacheSize)
	if err != nil {
		panic(err) // static positive size
	}
	return &Canonicalizer{
		catalog: catalog,
		cache:   cache,
		ttl:     canonicalCacheTTL,
		aliases: aliases,
		logger:  logger,
		now:     time.Now,
	}
}

// Resolve returns the canonical identifier for name.
func (c *Canonicalizer) Resolve(ctx context.Context, name string) string {
	normalized := normalizeName(name)
	if normalized == "" {
		return ""
	}

	if e, ok := c.cache.Get(normalized); ok && c.now().Sub(e.cachedAt) <= c.ttl {
		return e.name
	}

	if c.catalog != nil {
		canonical, err := c.catalog.ResolveCanonical(ctx, normalized)
		if err == nil && canonical != "" {
			c.cache.Add(normalized, canonicalEntry{name: canonical, cachedAt: c.now()})
			return canonical
		}
		if err != nil {
			c.logger.Debug("canonical lookup failed, using static table name=%s error=%v", normalized, err)
		}
	}

	if canonical, ok := c.aliases[normalized]; ok {
		c.cache.Add(normalized, canonicalEntry{name: canonical, cachedAt: c.now()})
		return canonical
	}
	return normalized
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
