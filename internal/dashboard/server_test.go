package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"tokenfeed/config"
	"tokenfeed/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                        "0.0.0.0:8080",
		" :9100 ":                 "0.0.0.0:9100",
		"*:9100":                  "0.0.0.0:9100",
		"feed.internal":           "feed.internal:8080",
		"127.0.0.1:7000":          "127.0.0.1:7000",
		"::1":                     "[::1]:8080",
		"[fe80::1]:9000":          "[fe80::1]:9000",
		"http://10.0.0.5:9100":    "10.0.0.5:9100",
		"https://status.feed.io/": "status.feed.io:8080",
		"http://:7070":            "0.0.0.0:7070",
		"http://":                 "0.0.0.0:8080",
	}

	for input, want := range cases {
		if got := normalizeAddress(input); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: false}, logger.Logger(), nil, nil)
	if err != nil || srv != nil {
		t.Fatalf("expected nil server without error, got %v %v", srv, err)
	}
	if srv.Address() != "" {
		t.Fatal("nil server must report an empty address")
	}
	if err := srv.Run(context.Background(), "tokenfeed"); err != nil {
		t.Fatalf("nil server Run returned %v", err)
	}
}

func TestNewServerAppliesDefaults(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	if got := srv.Address(); got != "0.0.0.0:9000" {
		t.Fatalf("server address = %q, want %q", got, "0.0.0.0:9000")
	}
	if srv.refreshIntervalMs != 5000 {
		t.Fatalf("refresh interval = %dms, want 5000", srv.refreshIntervalMs)
	}
	if srv.cfg.LogHistory != defaultHistory || srv.cfg.MetricsHistory != defaultHistory {
		t.Fatalf("history defaults not applied: %+v", srv.cfg)
	}
}

func TestRootListsEveryRoute(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	res := get(t, srv, "/")
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", res.Code)
	}
	var body struct {
		App       string   `json:"app"`
		Refresh   int      `json:"refresh_interval_ms"`
		Endpoints []string `json:"endpoints"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode root: %v", err)
	}
	if body.App != "tokenfeed" || body.Refresh != 1000 {
		t.Fatalf("unexpected root payload %+v", body)
	}
	if len(body.Endpoints) != len(srv.routes()) {
		t.Fatalf("expected %d endpoints, got %v", len(srv.routes()), body.Endpoints)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: "127.0.0.1:0"}, logger.Logger(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "tokenfeed") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
