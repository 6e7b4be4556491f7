// Package admin exposes the out-of-band management API: usage queries, bonus
// grants, daily and security statistics, and lock management. It serves on
// the admin listener next to the health and metrics endpoints, never on the
// request hot path.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/identity"
	"github.com/gatewarden/gatewarden/internal/quota"
	"github.com/gatewarden/gatewarden/internal/security"
	"golang.org/x/sync/singleflight"
)

// maxBodySize caps admin request bodies. The API only accepts tiny JSON
// documents.
const maxBodySize = 1 << 16

// defaultStatsPeriod is the window for security stats when none is given.
const defaultStatsPeriod = 24 * time.Hour

// Backends provides the store-backed components the API operates on. The
// returned values are nil while the Redis store is unreachable (or, for the
// quota recorder, when the daily quota is disabled).
type Backends interface {
	Tracker() *security.Tracker
	Quota() *quota.Recorder
}

// API implements the /api/v1 admin endpoints.
type API struct {
	backends  Backends
	logger    *slog.Logger
	includeUA bool

	// group deduplicates concurrent stats aggregation scans: the admin
	// surface is read-mostly and the scans walk every tracked key.
	group singleflight.Group
}

// New creates the admin API. The identity config must match the gate's so
// that ip/user_agent pairs resolve to the same fingerprints the hot path
// writes.
func New(backends Backends, idCfg config.IdentityConfig, logger *slog.Logger) *API {
	return &API{
		backends:  backends,
		logger:    logger.With("component", "admin"),
		includeUA: idCfg.IncludeUserAgentEnabled(),
	}
}

// Register installs the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/usage", a.handleUsage)
	mux.HandleFunc("POST /api/v1/grants", a.handleGrant)
	mux.HandleFunc("GET /api/v1/stats/daily", a.handleDailyStats)
	mux.HandleFunc("GET /api/v1/stats/security", a.handleSecurityStats)
	mux.HandleFunc("POST /api/v1/unlock", a.handleUnlock)
	mux.HandleFunc("GET /api/v1/locked", a.handleLocked)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, `{"error":"encoding response failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// identityFor builds the identity the hot path would derive for this ip and
// user agent. The user agent is ignored when fingerprints key on IP only.
func (a *API) identityFor(ip, userAgent string) identity.Identity {
	if !a.includeUA {
		userAgent = ""
	}
	return identity.Identity{
		IP:          ip,
		UserAgent:   userAgent,
		Fingerprint: identity.Fingerprint(ip, userAgent),
	}
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := a.backends.Quota()
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "quota is disabled or the store is unavailable")
		return
	}

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip query parameter is required")
		return
	}
	id := a.identityFor(ip, r.URL.Query().Get("user_agent"))

	status, err := q.Usage(r.Context(), id)
	if err != nil {
		a.logger.Error("usage lookup failed", "error", err, "ip", ip)
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type grantRequest struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Kind      string `json:"kind"`
}

func (a *API) handleGrant(w http.ResponseWriter, r *http.Request) {
	q := a.backends.Quota()
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "quota is disabled or the store is unavailable")
		return
	}

	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	kind := quota.GrantKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("unknown grant kind %q: must be questionnaire or payment", req.Kind))
		return
	}

	id := a.identityFor(req.IP, req.UserAgent)
	status, err := q.Grant(r.Context(), id, kind)
	if err != nil {
		a.logger.Error("grant failed", "error", err, "ip", req.IP, "kind", kind)
		writeError(w, http.StatusInternalServerError, "grant failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	q := a.backends.Quota()
	if q == nil {
		writeError(w, http.StatusServiceUnavailable, "quota is disabled or the store is unavailable")
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	stats, err, _ := a.group.Do("daily:"+date, func() (any, error) {
		return q.StatsForDay(r.Context(), date)
	})
	if err != nil {
		if errors.Is(err, quota.ErrBadDate) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("daily stats failed", "error", err, "date", date)
		writeError(w, http.StatusInternalServerError, "daily stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSecurityStats(w http.ResponseWriter, r *http.Request) {
	tr := a.backends.Tracker()
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, "store is unavailable")
		return
	}

	period := defaultStatsPeriod
	if p := r.URL.Query().Get("period"); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid period %q", p))
			return
		}
		period = d
	}

	stats, err, _ := a.group.Do("security:"+period.String(), func() (any, error) {
		return tr.Stats(r.Context(), period)
	})
	if err != nil {
		a.logger.Error("security stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "security stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type unlockRequest struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
	Reason    string `json:"reason"`
}

type unlockResponse struct {
	Unlocked bool `json:"unlocked"`
}

func (a *API) handleUnlock(w http.ResponseWriter, r *http.Request) {
	tr := a.backends.Tracker()
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, "store is unavailable")
		return
	}

	var req unlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin unlock"
	}

	id := a.identityFor(req.IP, req.UserAgent)
	unlocked, err := tr.Unlock(r.Context(), id.Fingerprint, reason)
	if err != nil {
		a.logger.Error("unlock failed", "error", err, "ip", req.IP)
		writeError(w, http.StatusInternalServerError, "unlock failed")
		return
	}
	writeJSON(w, http.StatusOK, unlockResponse{Unlocked: unlocked})
}

func (a *API) handleLocked(w http.ResponseWriter, r *http.Request) {
	tr := a.backends.Tracker()
	if tr == nil {
		writeError(w, http.StatusServiceUnavailable, "store is unavailable")
		return
	}

	records, err := tr.ListLocked(r.Context())
	if err != nil {
		a.logger.Error("listing locks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing locks failed")
		return
	}
	if records == nil {
		records = []security.LockRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
