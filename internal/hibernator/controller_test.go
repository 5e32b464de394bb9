package hibernator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*ControllerClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewControllerClient(srv.URL, "test-token", true)
	return client, srv
}

func TestCheckAlive(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{
			name: "status ok",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			},
			want: true,
		},
		{
			name: "status not ok",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
			},
			want: false,
		},
		{
			name: "5xx response",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: false,
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestServer(t, tt.handler)
			if got := client.CheckAlive(context.Background()); got != tt.want {
				t.Errorf("CheckAlive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckAlive_TransportFailure(t *testing.T) {
	client := NewControllerClient("http://127.0.0.1:1", "test-token", true)
	if client.CheckAlive(context.Background()) {
		t.Error("expected CheckAlive() to return false on unreachable host")
	}
}

func TestAuthorizationHeaderSent(t *testing.T) {
	var gotAuth string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	client.CheckAlive(context.Background())
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer test-token")
	}
}

func TestGetStats(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/servers/abc-123/stats" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"running":          true,
				"crashed":          false,
				"online":           3,
				"max":              20,
				"int_ping_results": "True",
				"version":          "1.21.1",
				"icon":             "data:image/png;base64,xyz",
			},
		})
	})

	stats, err := client.GetStats(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("GetStats() error: %v", err)
	}
	if !stats.Running || stats.Online != 3 || stats.Max != 20 || stats.IntPingResults != "True" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGetStats_APIError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"forbidden"}`))
	})

	_, err := client.GetStats(context.Background(), "abc-123")
	if err == nil {
		t.Fatal("expected an error for 403 response")
	}
	if !IsAuthDenied(err) {
		t.Errorf("expected IsAuthDenied(err) to be true, got error: %v", err)
	}
}

func TestGetStats_OtherAPIErrorNotAuthDenied(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetStats(context.Background(), "unknown")
	if err == nil {
		t.Fatal("expected an error for 404 response")
	}
	if IsAuthDenied(err) {
		t.Error("404 should not be classified as auth-denied")
	}
}

func TestStartServer(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantOK   bool
		wantErr  bool
	}{
		{
			name: "accepted",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if r.URL.Path != "/api/v2/servers/abc-123/action/start_server" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			},
			wantOK: true,
		},
		{
			name: "rejected by controller",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]string{"status": "error"})
			},
			wantOK: false,
		},
		{
			name: "5xx is an error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestServer(t, tt.handler)
			ok, err := client.StartServer(context.Background(), "abc-123")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestStopServer(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/servers/abc-123/action/stop_server" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	ok, err := client.StopServer(context.Background(), "abc-123")
	if err != nil {
		t.Fatalf("StopServer() error: %v", err)
	}
	if !ok {
		t.Error("expected ok=true for status=ok response")
	}
}

func TestSendCommand(t *testing.T) {
	var gotBody string
	var gotContentType string
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/v2/servers/abc-123/stdin" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	})

	if err := client.SendCommand(context.Background(), "abc-123", "say hello world"); err != nil {
		t.Fatalf("SendCommand() error: %v", err)
	}
	if gotBody != "say hello world" {
		t.Errorf("body = %q, want raw command text unencoded", gotBody)
	}
	if gotContentType != "text/plain" {
		t.Errorf("content-type = %q, want text/plain", gotContentType)
	}
}

func TestSendCommand_APIError(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	})

	err := client.SendCommand(context.Background(), "abc-123", "stop")
	if err == nil {
		t.Fatal("expected an error for a 403 response")
	}
	if !IsAuthDenied(err) {
		t.Errorf("expected IsAuthDenied(err) to be true, got err = %v", err)
	}
}

func TestListServers(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{
				{"server_id": "abc-123"},
				{"server_id": "def-456"},
			},
		})
	})

	servers, err := client.ListServers(context.Background())
	if err != nil {
		t.Fatalf("ListServers() error: %v", err)
	}
	if len(servers) != 2 || servers[0].ServerID != "abc-123" {
		t.Errorf("unexpected servers: %+v", servers)
	}
}

func TestListServers_ReturnsTransportError(t *testing.T) {
	client := NewControllerClient("http://127.0.0.1:1", "token", true)
	_, err := client.ListServers(context.Background())
	if err == nil {
		t.Fatal("expected transport error on unreachable host")
	}
	var transportErr *TransportError
	if !isTransportError(err, &transportErr) {
		t.Errorf("expected a *TransportError, got %T: %v", err, err)
	}
}

func isTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}
