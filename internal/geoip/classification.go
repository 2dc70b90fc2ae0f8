package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/domainr/whois"
	"github.com/openrdap/rdap"

	"mimosa/internal/model"
)

// ClassificationResult is what a ClassificationProvider contributes
// toward an IPProfile; zero values mean "this provider had no opinion"
// rather than "this IP is not that thing".
type ClassificationResult struct {
	Classification model.Classification
	IsProxy        bool
	IsMobile       bool
	IsHosting      bool
	GeoJSON        string
}

// ClassificationProvider produces a ClassificationResult for an IP.
// Enricher tries providers in order and keeps the first success,
// mirroring the RDAP-then-WHOIS fallback the registrydata client uses
// for domain registration lookups.
type ClassificationProvider interface {
	Classify(ctx context.Context, ip string) (*ClassificationResult, error)
}

// HTTPGeoIPProvider calls a third-party GeoIP HTTP API (e.g.
// ipinfo.io-shaped) that returns a JSON body this type unmarshals into
// a classification.
type HTTPGeoIPProvider struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type geoAPIResponse struct {
	Org      string  `json:"org"`
	ASN      string  `json:"asn"`
	Country  string  `json:"country"`
	City     string  `json:"city"`
	Region   string  `json:"region"`
	Loc      string  `json:"loc"`
	Hosting  bool    `json:"hosting"`
	Proxy    bool    `json:"proxy"`
	Mobile   bool    `json:"mobile"`
	Lat, Lon float64 `json:"-"`
}

// NewHTTPGeoIPProvider builds a provider with a bounded-timeout client
// if none is supplied.
func NewHTTPGeoIPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPGeoIPProvider {
	return &HTTPGeoIPProvider{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPGeoIPProvider) Classify(ctx context.Context, ip string) (*ClassificationResult, error) {
	if p.BaseURL == "" {
		return nil, nil
	}
	url := fmt.Sprintf("%s/%s", p.BaseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building geoip request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoip request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip provider returned status %d", resp.StatusCode)
	}

	var body geoAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding geoip response: %w", err)
	}

	geoJSON, _ := json.Marshal(body)
	res := &ClassificationResult{
		IsProxy:   body.Proxy,
		IsMobile:  body.Mobile,
		IsHosting: body.Hosting,
		GeoJSON:   string(geoJSON),
	}
	switch {
	case body.Hosting:
		res.Classification = model.ClassDatacenter
	case body.Mobile:
		res.Classification = model.ClassMobile
	case body.Proxy:
		res.Classification = model.ClassProxy
	}
	return res, nil
}

// RDAPProvider classifies an IP by inspecting the network registrant's
// entity roles and org name for datacenter/hosting/government/academic
// markers, the same WHOIS-style heuristic the registrydata client
// applies to parsed vCard organization names.
type RDAPProvider struct {
	client *rdap.Client
}

// NewRDAPProvider wraps an *rdap.Client; a nil client gets a default
// one constructed with the standard library HTTP client.
func NewRDAPProvider(client *rdap.Client) *RDAPProvider {
	if client == nil {
		client = &rdap.Client{}
	}
	return &RDAPProvider{client: client}
}

func (p *RDAPProvider) Classify(ctx context.Context, ip string) (*ClassificationResult, error) {
	req := (&rdap.Request{Type: rdap.IPRequest, Query: ip}).WithContext(ctx)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rdap lookup: %w", err)
	}
	if resp == nil || resp.Object == nil {
		return nil, nil
	}
	network, ok := resp.Object.(*rdap.IPNetwork)
	if !ok || network == nil {
		return nil, nil
	}

	var org string
	for _, e := range network.Entities {
		if name := vcardOrgName(e.VCard); name != "" {
			org = name
			break
		}
	}
	return &ClassificationResult{Classification: classifyOrgName(org)}, nil
}

func vcardOrgName(vcard *rdap.VCard) string {
	if vcard == nil {
		return ""
	}
	if org := vcard.Name(); org != "" {
		return org
	}
	return ""
}

// classifyOrgName applies a coarse keyword heuristic to a registrant
// organization name. Anything unmatched stays ClassUnknown rather than
// guessing.
func classifyOrgName(org string) model.Classification {
	lower := strings.ToLower(org)
	switch {
	case lower == "":
		return model.ClassUnknown
	case strings.Contains(lower, "hosting"), strings.Contains(lower, "cloud"),
		strings.Contains(lower, "datacenter"), strings.Contains(lower, "data center"),
		strings.Contains(lower, "amazon"), strings.Contains(lower, "google"),
		strings.Contains(lower, "microsoft"), strings.Contains(lower, "digitalocean"),
		strings.Contains(lower, "ovh"), strings.Contains(lower, "hetzner"):
		return model.ClassDatacenter
	case strings.Contains(lower, "university"), strings.Contains(lower, "college"),
		strings.Contains(lower, ".edu"):
		return model.ClassEducational
	case strings.Contains(lower, "government"), strings.Contains(lower, "ministry"),
		strings.Contains(lower, ".gov"):
		return model.ClassGovernmental
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "wireless"),
		strings.Contains(lower, "cellular"):
		return model.ClassMobile
	case strings.Contains(lower, "telecom"), strings.Contains(lower, "broadband"),
		strings.Contains(lower, "residential"), strings.Contains(lower, "cable"):
		return model.ClassResidential
	default:
		return model.ClassCorporate
	}
}

// WHOISProvider is the last-resort fallback when RDAP has no
// bootstrap entry for an IP's registry, fetching the raw WHOIS record
// text and applying the same keyword heuristic to whatever org/netname
// field it finds.
type WHOISProvider struct {
	fetch func(ctx context.Context, query string) (string, error)
}

// NewWHOISProvider wraps the domainr/whois default client.
func NewWHOISProvider() *WHOISProvider {
	return &WHOISProvider{fetch: fetchWHOIS}
}

func fetchWHOIS(ctx context.Context, query string) (string, error) {
	req, err := whois.NewRequest(query)
	if err != nil {
		return "", fmt.Errorf("building whois request: %w", err)
	}
	resp, err := whois.DefaultClient.FetchContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("fetching whois record: %w", err)
	}
	return string(resp.Body), nil
}

func (p *WHOISProvider) Classify(ctx context.Context, ip string) (*ClassificationResult, error) {
	body, err := p.fetch(ctx, ip)
	if err != nil {
		return nil, err
	}
	org := findWHOISField(body, []string{"OrgName", "org-name", "netname", "descr"})
	return &ClassificationResult{Classification: classifyOrgName(org)}, nil
}

func findWHOISField(body string, keys []string) string {
	for _, line := range strings.Split(body, "\n") {
		for _, key := range keys {
			if v, ok := matchWHOISLine(line, key); ok {
				return v
			}
		}
	}
	return ""
}

func matchWHOISLine(line, key string) (string, bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", false
	}
	field := strings.TrimSpace(line[:idx])
	if !strings.EqualFold(field, key) {
		return "", false
	}
	return strings.TrimSpace(line[idx+1:]), true
}
