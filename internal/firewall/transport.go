package firewall

import (
	"crypto/tls"
	"net/http"
	"time"

	"mimosa/internal/model"
)

// NewHTTPClient builds the one *http.Client a driver owns for the
// lifetime of its FirewallConfig, the same per-backend *http.Transport
// idiom as router.Backend (MaxIdleConnsPerHost,
// IdleConnTimeout), sized down for a single appliance rather than a
// pool of LLM backends.
func NewHTTPClient(cfg model.FirewallConfig) *http.Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifySSL},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
