package hibernator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// controllerTimeout bounds every HTTP call to the upstream controller.
const controllerTimeout = 15 * time.Second

// TransportError wraps a network/TLS/DNS failure that happened before or
// during the exchange with the controller — distinguishable from an
// application-level error response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("controller transport failed (%s): %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// APIError wraps an HTTP response with status >= 400. Status 403 must be
// checked explicitly by callers — it triggers the orchestrator's permanent
// auth-lockout for the remainder of the process lifetime.
type APIError struct {
	Status int
	Body   string
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("controller api error: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// ControllerClient issues requests against the upstream REST controller
// that actually starts, stops, and reports status for backing servers.
type ControllerClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewControllerClient builds a client bound to the given base URL and
// bearer token. verifyTLS=false disables certificate verification, mirroring
// the self-signed-certificate deployments the upstream controller is
// commonly run behind.
func NewControllerClient(baseURL, token string, verifyTLS bool) *ControllerClient {
	transport := &http.Transport{}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &ControllerClient{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   controllerTimeout,
			Transport: transport,
		},
	}
}

func (c *ControllerClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	return resp, nil
}

// request performs a JSON round trip, unmarshalling the response body into
// out (if non-nil) on success and returning an *APIError for status >= 400.
func (c *ControllerClient) request(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}

	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(respBody), Path: path}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}

// CheckAlive returns true iff the controller's health endpoint reports
// status=="ok". It never returns an error — any transport or application
// failure is reduced to false, matching the spec's "never raises" contract.
func (c *ControllerClient) CheckAlive(ctx context.Context) bool {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v2/crafty/check", nil, &out); err != nil {
		slog.Debug("controller health check failed", "error", err)
		return false
	}
	return out.Status == "ok"
}

// ServerSummary is one entry from ListServers, used at startup to validate
// configured controller_server_id values.
type ServerSummary struct {
	ServerID string `json:"server_id"`
}

// ListServers enumerates every server the controller knows about.
func (c *ControllerClient) ListServers(ctx context.Context) ([]ServerSummary, error) {
	var out struct {
		Data []ServerSummary `json:"data"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v2/servers", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// rawStats mirrors the controller's stats JSON shape exactly.
type rawStats struct {
	Running        bool   `json:"running"`
	Crashed        bool   `json:"crashed"`
	Online         int    `json:"online"`
	Max            int    `json:"max"`
	WaitingStart   bool   `json:"waiting_start"`
	IntPingResults string `json:"int_ping_results"`
	Version        string `json:"version"`
	Icon           string `json:"icon"`
}

// GetStats fetches the current stats snapshot for one server.
func (c *ControllerClient) GetStats(ctx context.Context, serverID string) (Stats, error) {
	var out struct {
		Data rawStats `json:"data"`
	}
	path := fmt.Sprintf("/api/v2/servers/%s/stats", serverID)
	if err := c.request(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Stats{}, err
	}
	return Stats{
		Running:        out.Data.Running,
		Crashed:        out.Data.Crashed,
		Online:         out.Data.Online,
		Max:            out.Data.Max,
		WaitingStart:   out.Data.WaitingStart,
		IntPingResults: out.Data.IntPingResults,
		Version:        out.Data.Version,
		Icon:           out.Data.Icon,
	}, nil
}

// actionResult is the shared response shape for start/stop/action endpoints.
type actionResult struct {
	Status string `json:"status"`
}

// StartServer asks the controller to start the backing process. Returns
// true iff the controller accepted the request.
func (c *ControllerClient) StartServer(ctx context.Context, serverID string) (bool, error) {
	return c.doAction(ctx, serverID, "start_server")
}

// StopServer asks the controller to stop the backing process.
func (c *ControllerClient) StopServer(ctx context.Context, serverID string) (bool, error) {
	return c.doAction(ctx, serverID, "stop_server")
}

func (c *ControllerClient) doAction(ctx context.Context, serverID, action string) (bool, error) {
	var out actionResult
	path := fmt.Sprintf("/api/v2/servers/%s/action/%s", serverID, action)
	if err := c.request(ctx, http.MethodPost, path, nil, &out); err != nil {
		return false, err
	}
	return out.Status == "ok", nil
}

// SendCommand posts a raw stdin line to the backing server console. Not
// required by any core operation; retained as an optional hook for
// operator-triggered broadcasts (e.g. "server restarting in 5 minutes").
// Unlike every other endpoint, the stdin API takes a plain-text body, not
// JSON, so this bypasses do/request rather than routing command through
// json.Marshal.
func (c *ControllerClient) SendCommand(ctx context.Context, serverID, command string) error {
	path := fmt.Sprintf("/api/v2/servers/%s/stdin", serverID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(command))
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(body), Path: path}
	}
	return nil
}

// IsAuthDenied reports whether err is an APIError with status 403 — the
// orchestrator's trigger for permanent auth-lockout.
func IsAuthDenied(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 403
	}
	return false
}
