package geoip

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"mimosa/internal/cache"
	"mimosa/internal/model"
)

// Enricher produces an enrichment result for an IP: reverse DNS plus
// whatever a ClassificationProvider chain can determine, cached for
// TTL and deduplicated across concurrent callers via singleflight so a
// burst of offenses from the same attacker never triggers more than
// one outbound lookup per provider.
type Enricher struct {
	resolverAddr string
	lookupTTL    time.Duration
	providers    []ClassificationProvider
	cache        cache.Cache
	sf           singleflight.Group
}

// NewEnricher builds an Enricher. providers are tried in order; the
// first to return a non-nil result without error wins, the same
// fallback-chain idiom the registrydata client uses for RDAP-then-WHOIS.
func NewEnricher(resolverAddr string, lookupTTL time.Duration, c cache.Cache, providers ...ClassificationProvider) *Enricher {
	return &Enricher{
		resolverAddr: resolverAddr,
		lookupTTL:    lookupTTL,
		providers:    providers,
		cache:        c,
	}
}

type enrichmentCacheValue struct {
	ReverseDNS     string               `json:"reverse_dns"`
	Classification model.Classification `json:"classification"`
	IsProxy        bool                 `json:"is_proxy"`
	IsMobile       bool                 `json:"is_mobile"`
	IsHosting      bool                 `json:"is_hosting"`
	GeoJSON        string               `json:"geo_json"`
}

// Enrich returns the cached enrichment for ip if fresh, otherwise
// performs reverse DNS and runs the classification provider chain,
// caching and returning the result.
func (e *Enricher) Enrich(ctx context.Context, ip string) (*model.IPProfile, error) {
	cacheKey := "geoip:" + ip

	var cached enrichmentCacheValue
	if found, err := e.cache.Get(cacheKey, &cached); err == nil && found {
		return cached.toProfile(ip), nil
	}

	v, err, _ := e.sf.Do(cacheKey, func() (any, error) {
		var cached enrichmentCacheValue
		if found, err := e.cache.Get(cacheKey, &cached); err == nil && found {
			return &cached, nil
		}

		result := e.lookupFresh(ctx, ip)
		_ = e.cache.Set(cacheKey, result, e.lookupTTL)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*enrichmentCacheValue).toProfile(ip), nil
}

func (e *Enricher) lookupFresh(ctx context.Context, ip string) *enrichmentCacheValue {
	out := &enrichmentCacheValue{}

	rdnsCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	rdns, err := ReverseDNS(rdnsCtx, e.resolverAddr, ip)
	cancel()
	if err != nil {
		slog.Warn("reverse dns lookup failed", "ip", ip, "error", err)
	} else {
		out.ReverseDNS = rdns
	}

	for _, p := range e.providers {
		provCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res, err := p.Classify(provCtx, ip)
		cancel()
		if err != nil {
			slog.Warn("classification provider failed", "ip", ip, "error", err)
			continue
		}
		if res == nil {
			continue
		}
		out.Classification = res.Classification
		out.IsProxy = res.IsProxy
		out.IsMobile = res.IsMobile
		out.IsHosting = res.IsHosting
		out.GeoJSON = res.GeoJSON
		break
	}
	if out.Classification == "" {
		out.Classification = model.ClassUnknown
	}
	return out
}

func (v *enrichmentCacheValue) toProfile(ip string) *model.IPProfile {
	return &model.IPProfile{
		IP:             ip,
		GeoJSON:        v.GeoJSON,
		ReverseDNS:     v.ReverseDNS,
		Classification: v.Classification,
		IsProxy:        v.IsProxy,
		IsMobile:       v.IsMobile,
		IsHosting:      v.IsHosting,
	}
}
