// Package cache is the TTL-keyed lookup cache shared by internal/geoip
// (enrichment results) and internal/whitelist (FQDN resolution). Two
// backends satisfy the same interface: an in-memory map for a single
// instance, and Redis for a Mimosa deployment that runs more than one
// process against the same firewall set. Modeled on the registrydata
// Cache split pattern, adapted to go-redis/v9's
// context-carrying client methods.
package cache

import "time"

// Cache stores arbitrary JSON-serializable values behind a string key
// with a per-entry TTL. A miss is (false, nil); Get never returns a
// partially-populated dst.
type Cache interface {
	Get(key string, dst any) (bool, error)
	Set(key string, value any, ttl time.Duration) error
}
