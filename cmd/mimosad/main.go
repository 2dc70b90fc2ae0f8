package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mimosa/internal/api"
	"mimosa/internal/auth"
	"mimosa/internal/block"
	"mimosa/internal/broadcast"
	"mimosa/internal/cache"
	"mimosa/internal/config"
	"mimosa/internal/firewall/factory"
	"mimosa/internal/geoip"
	"mimosa/internal/ingest"
	"mimosa/internal/model"
	"mimosa/internal/offense"
	"mimosa/internal/plugins/mimosanpm"
	"mimosa/internal/plugins/portdetector"
	"mimosa/internal/plugins/proxytrap"
	"mimosa/internal/reconcile"
	"mimosa/internal/redaction"
	"mimosa/internal/rules"
	"mimosa/internal/store"
	"mimosa/internal/telemetry"
	"mimosa/internal/whitelist"
)

func main() {
	configPath := flag.String("config", "configs/mimosa.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting mimosad", "version", "0.1.0", "admin_listen", cfg.Admin.Listen, "store", cfg.Store.Path)

	if dataDir := filepath.Dir(cfg.Store.Path); dataDir != "." {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			slog.Error("failed to create data directory", "error", err, "path", dataDir)
			os.Exit(1)
		}
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	sharedCache, err := cache.New(cfg.Cache.Backend, cache.RedisOptions{
		Addr:      cfg.Cache.Redis.Addr,
		Password:  cfg.Cache.Redis.Password,
		DB:        cfg.Cache.Redis.DB,
		KeyPrefix: cfg.Cache.Redis.KeyPrefix,
	})
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	slog.Info("cache backend ready", "backend", cfg.Cache.Backend)

	enricher := buildEnricher(cfg.GeoIP, sharedCache)

	whitelistEvaluator := whitelist.New(st, nil, sharedCache, 0)
	if err := whitelistEvaluator.Refresh(); err != nil {
		slog.Warn("initial whitelist load failed, failing safe until the next refresh", "error", err)
	}

	recorder := offense.New(st)
	if cfg.Redaction.Enabled {
		recorder = recorder.WithRedactor(redaction.NewPatternRedactor())
	}

	engine := rules.New()
	if rows, err := st.ListRules(); err != nil {
		slog.Error("failed to load rules", "error", err)
	} else {
		engine.SetRules(rows)
		slog.Info("rule engine loaded", "rules", len(rows))
	}

	blockManager := block.New(st, whitelistEvaluator)
	if err := blockManager.LoadActive(); err != nil {
		slog.Error("failed to load active blocks", "error", err)
	}

	bcast := broadcast.New(64)

	authSvc := auth.New(st, cfg.Admin.SessionTTL)
	if username, password, ok := config.InitialAdminFromEnv(); ok {
		if err := authSvc.Bootstrap(username, password); err != nil {
			slog.Error("admin bootstrap failed", "error", err)
		} else {
			slog.Info("admin bootstrap checked", "username", username)
		}
	}

	if seed := config.InitialFirewallFromEnv(); seed != nil {
		seedFirewall(st, seed)
	}

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	pipeline := &ingest.Pipeline{
		Recorder:    recorder,
		Whitelist:   whitelistEvaluator,
		Engine:      engine,
		Blocks:      blockManager,
		Profiles:    st,
		Broadcaster: bcast,
		Telemetry:   tp,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runWhitelistRefresher(ctx, whitelistEvaluator, 1*time.Minute)
	go runEnrichment(ctx, st, enricher, 30*time.Second)

	reconciler := reconcile.New(st, blockManager, whitelistEvaluator, factory.Build, cfg.Reconcile.Interval).WithTelemetry(tp)
	go reconciler.Run(ctx)

	adminHandler := api.New(st, blockManager, whitelistEvaluator, reconciler, authSvc)

	mux := http.NewServeMux()
	mux.Handle("/api/", adminHandler)
	mux.Handle("/ws/live", broadcast.NewHandler(bcast, func(r *http.Request) bool {
		if authSvc == nil {
			return true
		}
		token := r.URL.Query().Get("token")
		_, err := authSvc.Verify(r.Context(), token)
		return err == nil
	}))

	adminServer := &http.Server{
		Addr:         cfg.Admin.Listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 4)

	go func() {
		slog.Info("admin server starting", "addr", cfg.Admin.Listen)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	var trap *proxytrap.Trap
	if cfg.Plugins.ProxyTrap.Enabled {
		trap = proxytrap.New(toProxyTrapConfig(cfg.Plugins.ProxyTrap), pipeline)
		go func() {
			slog.Info("proxytrap starting", "addr", cfg.Plugins.ProxyTrap.Listen)
			if err := trap.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxytrap error: %w", err)
			}
		}()
	}

	var detector *portdetector.Detector
	if cfg.Plugins.PortDetector.Enabled {
		detector = portdetector.New(toPortDetectorConfig(cfg.Plugins.PortDetector), pipeline)
		if err := detector.Start(ctx); err != nil {
			slog.Error("portdetector failed to start", "error", err)
			os.Exit(1)
		}
		slog.Info("portdetector started", "rules", len(cfg.Plugins.PortDetector.Rules))
	}

	var npmServer *http.Server
	if cfg.Plugins.MimosaNPM.Enabled {
		receiver := mimosanpm.New(toMimosaNPMConfig(cfg.Plugins.MimosaNPM), pipeline)
		npmServer = &http.Server{
			Addr:         cfg.Plugins.MimosaNPM.Listen,
			Handler:      receiver,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("mimosanpm receiver starting", "addr", cfg.Plugins.MimosaNPM.Listen)
			if err := npmServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("mimosanpm error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down mimosad")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown error", "error", err)
	}
	if trap != nil {
		if err := trap.Shutdown(shutdownCtx); err != nil {
			slog.Error("proxytrap shutdown error", "error", err)
		}
	}
	if detector != nil {
		detector.Stop()
	}
	if npmServer != nil {
		if err := npmServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("mimosanpm shutdown error", "error", err)
		}
	}
	if err := st.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("mimosad stopped")
}

// buildEnricher selects the classification provider chain by
// cfg.Provider: "http" talks to a configured GeoIP HTTP API directly,
// anything else falls back to RDAP-then-WHOIS, the same
// fallback-chain idiom an RDAP-then-WHOIS lookup client uses.
func buildEnricher(cfg config.GeoIPConfig, c cache.Cache) *geoip.Enricher {
	var providers []geoip.ClassificationProvider
	switch cfg.Provider {
	case "http":
		providers = []geoip.ClassificationProvider{geoip.NewHTTPGeoIPProvider(cfg.BaseURL, cfg.APIKey, cfg.LookupTimeout)}
	default:
		providers = []geoip.ClassificationProvider{geoip.NewRDAPProvider(nil), geoip.NewWHOISProvider()}
	}
	return geoip.NewEnricher(cfg.ResolverAddr, cfg.TTL, c, providers...)
}

// runWhitelistRefresher reloads the whitelist snapshot on a timer so
// an admin-facade mutation elsewhere in the fleet, or a direct store
// edit, is picked up without a restart.
func runWhitelistRefresher(ctx context.Context, e *whitelist.Evaluator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(); err != nil {
				slog.Error("whitelist refresh failed", "error", err)
			}
		}
	}
}

// runEnrichment periodically enriches profiles that have never been
// enriched, so reverse DNS and classification catch up with ingestion
// without blocking the hot path.
func runEnrichment(ctx context.Context, st *store.Store, enricher *geoip.Enricher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			profiles, err := st.ListProfiles(50)
			if err != nil {
				slog.Error("enrichment: list profiles failed", "error", err)
				continue
			}
			for _, p := range profiles {
				if p.EnrichedAt != nil {
					continue
				}
				enriched, err := enricher.Enrich(ctx, p.IP)
				if err != nil {
					slog.Debug("enrichment: lookup failed", "ip", p.IP, "error", err)
					continue
				}
				now := time.Now()
				enriched.EnrichedAt = &now
				if err := st.SaveEnrichment(enriched); err != nil {
					slog.Error("enrichment: save failed", "ip", p.IP, "error", err)
				}
			}
		}
	}
}

// seedFirewall inserts seed as a firewall row if no firewall with that
// name already exists — idempotent across restarts, the same
// env-var-bootstrap idiom config.InitialAdminFromEnv uses for the
// first admin account.
func seedFirewall(st *store.Store, seed *config.InitialFirewall) {
	existing, err := st.ListFirewalls()
	if err != nil {
		slog.Error("seed firewall: list failed", "error", err)
		return
	}
	for _, f := range existing {
		if strings.EqualFold(f.Name, seed.Name) {
			return
		}
	}
	fc := &model.FirewallConfig{
		Name:           seed.Name,
		Type:           model.FirewallType(seed.Type),
		BaseURL:        seed.BaseURL,
		APIKey:         seed.APIKey,
		APISecret:      seed.APISecret,
		VerifySSL:      seed.VerifySSL,
		TimeoutSeconds: 30,
		Enabled:        seed.Enabled,
	}
	if _, err := st.InsertFirewall(fc); err != nil {
		slog.Error("seed firewall: insert failed", "error", err)
		return
	}
	slog.Info("seeded initial firewall", "name", seed.Name, "type", seed.Type)
}

func toProxyTrapConfig(c config.ProxyTrapConfig) proxytrap.Config {
	policies := make([]proxytrap.DomainPolicy, len(c.DomainPolicies))
	for i, p := range c.DomainPolicies {
		policies[i] = proxytrap.DomainPolicy{Pattern: p.Pattern, Severity: p.Severity}
	}
	return proxytrap.Config{
		Listen:          c.Listen,
		DefaultSeverity: c.DefaultSeverity,
		ResponseType:    c.ResponseType,
		CustomHTML:      c.CustomHTML,
		TrapHosts:       c.TrapHosts,
		DomainPolicies:  policies,
	}
}

func toPortDetectorConfig(c config.PortDetectorConfig) portdetector.Config {
	rules := make([]portdetector.Rule, len(c.Rules))
	for i, r := range c.Rules {
		rules[i] = portdetector.Rule{
			Protocol:    r.Protocol,
			Severity:    r.Severity,
			Port:        r.Port,
			Ports:       r.Ports,
			RangeStart:  r.RangeStart,
			RangeEnd:    r.RangeEnd,
			Description: r.Description,
		}
	}
	return portdetector.Config{DefaultSeverity: c.DefaultSeverity, Rules: rules}
}

func toMimosaNPMConfig(c config.MimosaNPMConfig) mimosanpm.Config {
	rules := make([]mimosanpm.Rule, len(c.Rules))
	for i, r := range c.Rules {
		rules[i] = mimosanpm.Rule{Host: r.Host, Path: r.Path, Status: r.Status, Severity: r.Severity}
	}
	ignore := make([]mimosanpm.Ignore, len(c.IgnoreList))
	for i, g := range c.IgnoreList {
		ignore[i] = mimosanpm.Ignore{Host: g.Host, Path: g.Path, Status: g.Status}
	}
	return mimosanpm.Config{
		DefaultSeverity:         c.DefaultSeverity,
		FallbackSeverity:        c.FallbackSeverity,
		SharedSecret:            c.SharedSecret,
		Rules:                   rules,
		IgnoreList:              ignore,
		AlertFallback:           c.AlertFallback,
		AlertUnregisteredDomain: c.AlertUnregisteredDomain,
		AlertSuspiciousPath:     c.AlertSuspiciousPath,
	}
}
