package hibernator

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownGrace = 15 * time.Second

// HealthServer exposes the read-only admin surface: liveness, a JSON state
// snapshot, and Prometheus exposition. None of its handlers mutate
// ServerState or drive transitions — they only read Snapshot values.
type HealthServer struct {
	cfg          HealthConfig
	states       map[string]*ServerState
	orchestrator *Orchestrator
	httpServer   *http.Server
}

// NewHealthServer builds the admin surface for the given states. orchestrator
// may be nil in tests that don't exercise readiness/lockout reporting.
func NewHealthServer(cfg HealthConfig, states map[string]*ServerState, orchestrator *Orchestrator) *HealthServer {
	return &HealthServer{cfg: cfg, states: states, orchestrator: orchestrator}
}

// Start listens for HTTP traffic and blocks until ctx is cancelled, then
// performs a graceful shutdown with a 15-second deadline.
func (h *HealthServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/status", h.requireAdminAuth(http.HandlerFunc(h.handleStatus)))
	mux.Handle("/metrics", h.requireAdminAuth(promhttp.Handler()))

	h.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin surface listening", "addr", h.httpServer.Addr)
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	slog.Info("shutting down admin surface", "grace_period", shutdownGrace)
	return h.httpServer.Shutdown(shutdownCtx)
}

// handleHealthz reports 200 once the controller has answered at least once
// since process start and no auth-lockout is in effect, 503 otherwise.
func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator != nil {
		if h.orchestrator.AuthLocked() {
			http.Error(w, "auth lockout in effect", http.StatusServiceUnavailable)
			return
		}
		if !h.orchestrator.ControllerEverReachable() {
			http.Error(w, "controller not yet reachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusServerJSON is one managed server's entry in the /status snapshot.
type statusServerJSON struct {
	Name                string  `json:"name"`
	State               State   `json:"state"`
	PlayersOnline       int     `json:"players_online"`
	PlayersMax          int     `json:"players_max"`
	Version             string  `json:"version,omitempty"`
	IdleSince           *string `json:"idle_since,omitempty"`
	LastStartAt         *string `json:"last_start_at,omitempty"`
	LastStopAt          *string `json:"last_stop_at,omitempty"`
	StartCount          int     `json:"start_count"`
	StopCount           int     `json:"stop_count"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

type statusResponse struct {
	Servers   []statusServerJSON `json:"servers"`
	UpdatedAt string             `json:"updated_at"`
	AuthLock  bool               `json:"auth_lockout"`
}

// handleStatus returns a JSON snapshot of every managed server's state,
// derived purely from ServerState.Snapshot — it never touches the
// orchestrator's or proxy manager's internals.
func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Servers:   make([]statusServerJSON, 0, len(h.states)),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if h.orchestrator != nil {
		resp.AuthLock = h.orchestrator.AuthLocked()
	}

	for name, st := range h.states {
		snap := st.Snapshot()
		entry := statusServerJSON{
			Name:                name,
			State:               snap.State,
			PlayersOnline:       snap.LastOnline,
			PlayersMax:          snap.LastMax,
			Version:             snap.LastVersion,
			StartCount:          snap.StartCount,
			StopCount:           snap.StopCount,
			ConsecutiveFailures: st.ConsecutiveFailures(),
		}
		if snap.IdleSince != nil {
			ts := snap.IdleSince.UTC().Format(time.RFC3339)
			entry.IdleSince = &ts
		}
		if snap.LastStartAt != nil {
			ts := snap.LastStartAt.UTC().Format(time.RFC3339)
			entry.LastStartAt = &ts
		}
		if snap.LastStopAt != nil {
			ts := snap.LastStopAt.UTC().Format(time.RFC3339)
			entry.LastStopAt = &ts
		}
		resp.Servers = append(resp.Servers, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// requireAdminAuth wraps next with the admin surface's configured auth
// scheme (basic / bearer). If the method is "none", next is returned
// unchanged. The WWW-Authenticate realm names the admin surface's own
// listen address, so a client juggling several managed gateways can tell
// which one is prompting.
func (h *HealthServer) requireAdminAuth(next http.Handler) http.Handler {
	cfg := &h.cfg.AdminAuth
	realm := fmt.Sprintf("%s:%d admin", h.cfg.Host, h.cfg.Port)

	switch cfg.Method {
	case "none":
		return next
	case "basic":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checkBasicAuth(r, cfg.Username, cfg.Password) {
				w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, realm))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				slog.Warn("admin auth failed", "method", "basic", "remote", r.RemoteAddr, "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	case "bearer":
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checkBearerToken(r, cfg.Token) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				slog.Warn("admin auth failed", "method", "bearer", "remote", r.RemoteAddr, "path", r.URL.Path)
				return
			}
			next.ServeHTTP(w, r)
		})
	default:
		// Should never happen after Validate(), but be defensive.
		return next
	}
}

// checkBasicAuth parses the Authorization header and compares credentials
// using constant-time comparison to prevent timing attacks.
func checkBasicAuth(r *http.Request, wantUser, wantPass string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len("Basic "):])
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(wantUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(wantPass)) == 1
	return userOK && passOK
}

// checkBearerToken validates the Authorization: Bearer <token> header using
// constant-time comparison to prevent timing attacks.
func checkBearerToken(r *http.Request, wantToken string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	got := auth[len("Bearer "):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantToken)) == 1
}
