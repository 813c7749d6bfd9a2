package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return port
}

func healthServer(t *testing.T, handler http.HandlerFunc) int {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return serverPort(t, srv)
}

func newClient(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func TestProbe_RecognizedHealthResponse(t *testing.T) {
	t.Parallel()

	var gotPath, gotUA string
	port := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"app":"downloader","version":"1.4.0","status":"ok"}`))
	})

	c := newClient(t, Options{})
	if !c.Probe(context.Background(), port, time.Second) {
		t.Fatal("Probe = false, want true")
	}
	if gotPath != "/health" {
		t.Fatalf("path = %q, want /health", gotPath)
	}
	if !strings.HasPrefix(gotUA, "tether/") {
		t.Fatalf("User-Agent = %q, want tether/*", gotUA)
	}
}

func TestCheck_FailureModes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    Options
		wantErr error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusInternalServerError)
			},
			wantErr: ErrUnexpectedStatus,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{not-json"))
			},
			wantErr: ErrMalformedBody,
		},
		{
			name: "other app",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"app":"something-else"}`))
			},
			wantErr: ErrWrongApp,
		},
		{
			name: "version too old",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"app":"downloader","version":"0.9.1"}`))
			},
			opts:    Options{MinVersion: "1.0.0"},
			wantErr: ErrVersionTooOld,
		},
		{
			name: "version unparseable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"app":"downloader","version":"dev"}`))
			},
			opts:    Options{MinVersion: "1.0.0"},
			wantErr: ErrVersionTooOld,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			port := healthServer(t, tt.handler)
			c := newClient(t, tt.opts)

			_, err := c.Check(context.Background(), port, time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Check error = %v, want %v", err, tt.wantErr)
			}
			if c.Probe(context.Background(), port, time.Second) {
				t.Fatal("Probe = true, want false")
			}
		})
	}
}

func TestCheck_MinVersionSatisfied(t *testing.T) {
	t.Parallel()

	port := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"app":"Downloader","version":"v2.1.0"}`))
	})
	c := newClient(t, Options{MinVersion: "2.0.0"})
	h, err := c.Check(context.Background(), port, time.Second)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if h.Version != "v2.1.0" {
		t.Fatalf("Version = %q", h.Version)
	}
}

func TestProbe_TimeoutIsUnreachable(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	port := healthServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	c := newClient(t, Options{})
	start := time.Now()
	if c.Probe(context.Background(), port, 50*time.Millisecond) {
		t.Fatal("Probe = true, want false on timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Probe took %v, want it bounded by the timeout", elapsed)
	}
}

func TestProbe_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	c := newClient(t, Options{})
	if c.Probe(context.Background(), port, 200*time.Millisecond) {
		t.Fatal("Probe = true on closed port")
	}
}

type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestProbe_RecoversFromPanics(t *testing.T) {
	c := newClient(t, Options{Transport: panicTransport{}})
	if c.Probe(context.Background(), 9090, 100*time.Millisecond) {
		t.Fatal("Probe = true, want false")
	}
}

func TestProbe_InvalidPort(t *testing.T) {
	c := newClient(t, Options{})
	for _, port := range []int{0, -1, 70000} {
		if c.Probe(context.Background(), port, 100*time.Millisecond) {
			t.Fatalf("Probe(%d) = true", port)
		}
	}
}

func TestNewClient_Options(t *testing.T) {
	c := newClient(t, Options{HealthPath: "healthz"})
	if got := c.URL(9090); got != "http://127.0.0.1:9090/healthz" {
		t.Fatalf("URL = %q", got)
	}
	if _, err := NewClient(Options{MinVersion: "not-a-version"}); err == nil {
		t.Fatal("NewClient accepted invalid min version")
	}
}
