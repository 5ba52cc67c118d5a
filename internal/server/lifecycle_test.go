package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestManagedServerBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := NewManagedServer("busy", DefaultServerConfig(ln.Addr().String(), http.NotFoundHandler(), nil))
	if err := srv.Start(); err == nil {
		t.Fatal("Start on a bound port succeeded")
	}
	if _, open := <-srv.Err(); open {
		t.Error("Err channel left open after failed start")
	}
	srv.Shutdown(context.Background())
}

func TestManagedServerServesAndShutsDown(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := NewManagedServer("test", DefaultServerConfig("127.0.0.1:0", h, nil))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if srv.Addr() == "127.0.0.1:0" {
		t.Error("Addr did not report the bound port")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	select {
	case err := <-srv.Err():
		if err != nil {
			t.Errorf("server error after shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("error channel not closed after shutdown")
	}
}

func TestManagedServerTLS(t *testing.T) {
	// Borrow a self-signed certificate from an httptest TLS server.
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()

	cfg := DefaultServerConfig("127.0.0.1:0", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			t.Error("request arrived without TLS")
		}
	}), nil)
	cfg.TLSConfig = &tls.Config{Certificates: ts.TLS.Certificates}

	srv := NewManagedServer("tls", cfg)
	if !srv.TLS() {
		t.Fatal("TLS() = false with a TLS config")
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown(context.Background())

	resp, err := ts.Client().Get("https://" + srv.Addr() + "/")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	resp.Body.Close()

	if NewManagedServer("plain", DefaultServerConfig(":0", http.NotFoundHandler(), nil)).TLS() {
		t.Error("plain config reported TLS")
	}
}
