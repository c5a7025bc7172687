package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cryptohelm/cryptohelm/pkg/models"
)

// VerdictCache deduplicates identical analysis requests per analyst.
// Keys are (feature-pack hash, analyst_id); hits are tagged Cached.
type VerdictCache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewVerdictCache creates a cache with the given TTL.
func NewVerdictCache(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *VerdictCache {
	return &VerdictCache{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "verdict_cache").Logger(),
	}
}

func verdictKey(analystID, packHash string) string {
	return fmt.Sprintf("verdict:%s:%s", analystID, packHash)
}

// Get returns the cached verdict for (analyst, pack hash) if present.
// Cache failures degrade to a miss.
func (c *VerdictCache) Get(ctx context.Context, analystID, packHash string) (models.AnalystVerdict, bool) {
	raw, err := c.rdb.Get(ctx, verdictKey(analystID, packHash)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Msg("Verdict cache read failed")
		}
		return models.AnalystVerdict{}, false
	}

	var v models.AnalystVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		c.log.Warn().Err(err).Msg("Corrupt cached verdict, treating as miss")
		return models.AnalystVerdict{}, false
	}
	v.Cached = true
	return v, true
}

// Put stores a fresh verdict. Failures are logged, not propagated; the
// cache is an optimization only.
func (c *VerdictCache) Put(ctx context.Context, packHash string, v models.AnalystVerdict) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.log.Warn().Err(err).Msg("Verdict marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, verdictKey(v.AnalystID, packHash), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Msg("Verdict cache write failed")
	}
}
