// Package api is the admin HTTP facade: whitelist, firewall, rule, and
// block CRUD plus login, gated behind a bearer session token. Modeled
// on control.Handler's single-mux-plus-ServeHTTP-gate shape, generalized
// from one API-key check to per-request session verification.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"mimosa/internal/auth"
	"mimosa/internal/block"
	"mimosa/internal/firewall"
	"mimosa/internal/firewall/factory"
	"mimosa/internal/model"
	"mimosa/internal/store"
)

// Store is the subset of internal/store.Store the admin facade needs,
// covering whitelist, firewall, rule, and offense-count CRUD.
type Store interface {
	InsertWhitelistEntry(e *model.WhitelistEntry) (*model.WhitelistEntry, error)
	DeleteWhitelistEntry(id uint64) error
	ListWhitelist() ([]*model.WhitelistEntry, error)
	GetWhitelistEntry(id uint64) (*model.WhitelistEntry, error)

	InsertFirewall(f *model.FirewallConfig) (*model.FirewallConfig, error)
	UpdateFirewall(f *model.FirewallConfig) error
	DeleteFirewall(id uint64) error
	GetFirewall(id uint64) (*model.FirewallConfig, error)
	ListFirewalls() ([]*model.FirewallConfig, error)

	InsertRule(r *model.Rule) (*model.Rule, error)
	UpdateRule(r *model.Rule) error
	DeleteRule(id uint64) error
	GetRule(id uint64) (*model.Rule, error)
	ListRules() ([]*model.Rule, error)

	ListProfiles(limit int) ([]*model.IPProfile, error)
}

// Blocks is the subset of internal/block.Manager the facade needs.
type Blocks interface {
	List(includeExpired bool, limit int) ([]*model.Block, error)
	GetActive(ip string) (*model.Block, bool)
	History(ip string, limit int) ([]*model.BlockHistoryEntry, error)
	Remove(ip, source string) error
	Add(ip string, p block.AddParams) (*model.Block, error)
}

// Whitelist is the subset of internal/whitelist.Evaluator the facade
// needs to force a re-read after a whitelist mutation.
type Whitelist interface {
	Refresh() error
}

// Reconciler is the subset of internal/reconcile.Reconciler the facade
// needs to force an immediate resync after a mutation that affects what
// a firewall should look like.
type Reconciler interface {
	TickNow(ctx context.Context)
}

// GatewayBuilder constructs a firewall driver from its stored config.
// Defaults to factory.Build; overridable so tests can substitute a fake.
type GatewayBuilder func(cfg model.FirewallConfig) (firewall.Gateway, error)

// Handler is the admin HTTP facade: one ServeMux behind a session-token
// gate, CORS-permissive the same way the admin API always has been.
type Handler struct {
	store      Store
	blocks     Blocks
	whitelist  Whitelist
	reconciler Reconciler
	auth       *auth.Service
	build      GatewayBuilder
	mux        *http.ServeMux
}

// New builds a Handler. auth may be nil, in which case every endpoint
// is open — used for local-only deployments that terminate TLS and
// access control somewhere in front of mimosad.
func New(s Store, blocks Blocks, wl Whitelist, rec Reconciler, a *auth.Service) *Handler {
	h := &Handler{
		store:      s,
		blocks:     blocks,
		whitelist:  wl,
		reconciler: rec,
		auth:       a,
		build:      factory.Build,
	}
	h.mux = http.NewServeMux()
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("/api/auth/login", h.handleLogin)
	h.mux.HandleFunc("/api/auth/logout", h.handleLogout)

	h.mux.HandleFunc("/api/whitelist", h.handleWhitelistCollection)
	h.mux.HandleFunc("/api/whitelist/", h.handleWhitelistItem)

	h.mux.HandleFunc("/api/firewalls", h.handleFirewallCollection)
	h.mux.HandleFunc("/api/firewalls/", h.handleFirewallItem)

	h.mux.HandleFunc("/api/rules", h.handleRuleCollection)
	h.mux.HandleFunc("/api/rules/", h.handleRuleItem)

	h.mux.HandleFunc("/api/blocks", h.handleBlockCollection)
	h.mux.HandleFunc("/api/blocks/", h.handleBlockItem)

	h.mux.HandleFunc("/api/profiles", h.handleProfiles)
}

// ServeHTTP implements http.Handler: CORS headers for every request,
// then a session-token gate on everything except the login endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.auth != nil && r.URL.Path != "/api/auth/login" {
		userID, err := h.verify(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mimosa admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID))
	}

	h.mux.ServeHTTP(w, r)
}

type userIDKey struct{}

func (h *Handler) verify(r *http.Request) (uint64, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return 0, errors.New("api: missing bearer token")
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	return h.auth.Verify(r.Context(), token)
}

// --- auth ---

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.auth == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "auth disabled"})
		return
	}
	var req struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, expiresAt, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.auth == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token != "" {
		if err := h.auth.Logout(token); err != nil {
			slog.Warn("api: logout failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- whitelist ---

func (h *Handler) handleWhitelistCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := h.store.ListWhitelist()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		var e model.WhitelistEntry
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := h.store.InsertWhitelistEntry(&e)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.refreshWhitelistAndResync(r.Context())
		writeJSON(w, http.StatusCreated, saved)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleWhitelistItem(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r.URL.Path, "/api/whitelist/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		e, err := h.store.GetWhitelistEntry(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	case http.MethodDelete:
		if err := h.store.DeleteWhitelistEntry(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.refreshWhitelistAndResync(r.Context())
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) refreshWhitelistAndResync(ctx context.Context) {
	if h.whitelist != nil {
		if err := h.whitelist.Refresh(); err != nil {
			slog.Error("api: whitelist refresh failed", "error", err)
		}
	}
	if h.reconciler != nil {
		go h.reconciler.TickNow(context.WithoutCancel(ctx))
	}
}

// --- firewalls ---

func (h *Handler) handleFirewallCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		firewalls, err := h.store.ListFirewalls()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, redactFirewalls(firewalls))
	case http.MethodPost:
		var f model.FirewallConfig
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := h.store.InsertFirewall(&f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, redactFirewall(saved))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleFirewallItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/firewalls/")
	parts := strings.SplitN(rest, "/", 2)
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleFirewallByID(w, r, id)
	case "test":
		h.handleFirewallTest(w, r, id)
	case "resync":
		h.handleFirewallResync(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleFirewallByID(w http.ResponseWriter, r *http.Request, id uint64) {
	switch r.Method {
	case http.MethodGet:
		f, err := h.store.GetFirewall(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, redactFirewall(f))
	case http.MethodPut:
		var f model.FirewallConfig
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.ID = id
		if err := h.store.UpdateFirewall(&f); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, redactFirewall(&f))
	case http.MethodDelete:
		if err := h.store.DeleteFirewall(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleFirewallTest(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg, err := h.store.GetFirewall(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	gw, err := h.build(*cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := gw.TestConnectivity(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, firewall.ConnectivityReport{Online: false, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleFirewallResync(w http.ResponseWriter, r *http.Request, id uint64) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.store.GetFirewall(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if h.reconciler != nil {
		h.reconciler.TickNow(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resynced"})
}

// redactFirewall clears the secret fields a list/get response should
// never echo back to the admin UI over the wire.
func redactFirewall(f *model.FirewallConfig) *model.FirewallConfig {
	cp := *f
	cp.APIKey = ""
	cp.APISecret = ""
	return &cp
}

func redactFirewalls(in []*model.FirewallConfig) []*model.FirewallConfig {
	out := make([]*model.FirewallConfig, len(in))
	for i, f := range in {
		out[i] = redactFirewall(f)
	}
	return out
}

// --- rules ---

func (h *Handler) handleRuleCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := h.store.ListRules()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rules)
	case http.MethodPost:
		var rule model.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		saved, err := h.store.InsertRule(&rule)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRuleItem(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r.URL.Path, "/api/rules/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := h.store.GetRule(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		var rule model.Rule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		rule.ID = id
		if err := h.store.UpdateRule(&rule); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, &rule)
	case http.MethodDelete:
		if err := h.store.DeleteRule(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// --- blocks ---

func (h *Handler) handleBlockCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeExpired := r.URL.Query().Get("include_expired") == "true"
		limit := queryInt(r, "limit", 0)
		blocks, err := h.blocks.List(includeExpired, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, blocks)
	case http.MethodPost:
		var req struct {
			IP           string  `json:"ip"`
			Reason       string  `json:"reason"`
			ReasonText   string  `json:"reason_text"`
			Severity     string  `json:"severity"`
			DurationMins *uint32 `json:"duration_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		blk, err := h.blocks.Add(req.IP, block.AddParams{
			Reason:       req.Reason,
			ReasonText:   req.ReasonText,
			ReasonPlugin: "manual",
			Severity:     model.Severity(req.Severity),
			Source:       "admin",
			Duration:     req.DurationMins,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if h.reconciler != nil {
			go h.reconciler.TickNow(context.WithoutCancel(r.Context()))
		}
		writeJSON(w, http.StatusCreated, blk)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleBlockItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/blocks/")
	parts := strings.SplitN(rest, "/", 2)
	ip := parts[0]
	if ip == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) > 1 && parts[1] == "history" {
		h.handleBlockHistory(w, r, ip)
		return
	}

	switch r.Method {
	case http.MethodGet:
		blk, ok := h.blocks.GetActive(ip)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active block"})
			return
		}
		writeJSON(w, http.StatusOK, blk)
	case http.MethodDelete:
		if err := h.blocks.Remove(ip, "admin"); err != nil {
			if errors.Is(err, block.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active block"})
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if h.reconciler != nil {
			go h.reconciler.TickNow(context.WithoutCancel(r.Context()))
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleBlockHistory(w http.ResponseWriter, r *http.Request, ip string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	entries, err := h.blocks.History(ip, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- profiles ---

func (h *Handler) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, "limit", 100)
	profiles, err := h.store.ListProfiles(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, profiles)
}

// --- helpers ---

func idFromPath(path, prefix string) (uint64, error) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/")
	return strconv.ParseUint(rest, 10, 64)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if errors.Is(err, store.ErrUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
