package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dbgate/dbgate/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		Transport:            config.TransportHTTP,
		HTTPHost:             "127.0.0.1",
		HTTPPort:             0,
		SessionMode:          config.SessionModeStateful,
		MaxSessions:          10,
		TokenExpirySeconds:   3600,
		AuthMode:             config.AuthModeNone,
		QueryDefaultLimit:    100,
		QueryMaxLimit:        1000,
		RateLimitEnabled:     false,
		RateLimitMaxRequests: 100,
		RateLimitWindowMS:    60000,
	}
	cfg.DB.Host = "127.0.0.1"
	cfg.DB.Port = 5432
	cfg.DB.Database = ":memory:"
	return cfg
}

func TestBaseURLReflectsTLS(t *testing.T) {
	cfg := testConfig()
	if got := baseURL(cfg); got != "http://127.0.0.1:0" {
		t.Fatalf("unexpected base url: %s", got)
	}
	cfg.TLSEnabled = true
	if got := baseURL(cfg); got != "https://127.0.0.1:0" {
		t.Fatalf("unexpected tls base url: %s", got)
	}
}

func TestNewWiresTokenManagerAndPoolsInRequiredMode(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.AuthToken = ""

	o := New(cfg, slog.New(slog.NewTextHandler(nopWriter{}, nil)))
	if o.tokens == nil || o.pools == nil {
		t.Fatalf("expected token manager and pool registry to be wired")
	}
}

func TestRunShutsDownCleanlyOnContextCancel(t *testing.T) {
	cfg := testConfig()
	o := New(cfg, slog.New(slog.NewTextHandler(nopWriter{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for orchestrator shutdown")
	}
}

func TestStartHTTPRejectsUnavailableAddress(t *testing.T) {
	cfg := testConfig()
	cfg.HTTPHost = "256.256.256.256"
	o := New(cfg, slog.New(slog.NewTextHandler(nopWriter{}, nil)))

	errCh := make(chan error, 1)
	if err := o.startHTTP(errCh); err == nil {
		t.Fatal("expected an error binding an invalid host")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
