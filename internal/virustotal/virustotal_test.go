package virustotal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFileReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Query().Get("resource") {
		case "known":
			_, _ = w.Write([]byte(`{"response_code":1,"positives":58,"total":64,"scan_date":"2026-01-02 03:04:05"}`))
		default:
			_, _ = w.Write([]byte(`{"response_code":0,"verbose_msg":"not found"}`))
		}
	}))
	defer srv.Close()

	c := New("k", time.Second)
	c.Endpoint = srv.URL
	ctx := context.Background()

	rep, err := c.FileReport(ctx, "known")
	if err != nil {
		t.Fatalf("FileReport failed: %v", err)
	}
	if !rep.Found || rep.Positives != 58 || rep.Total != 64 {
		t.Errorf("unexpected report %+v", rep)
	}

	rep, err = c.FileReport(ctx, "unknown")
	if err != nil {
		t.Fatalf("FileReport failed: %v", err)
	}
	if rep.Found {
		t.Errorf("expected unknown hash not found, got %+v", rep)
	}

	bad := New("wrong", time.Second)
	bad.Endpoint = srv.URL
	if _, err := bad.FileReport(ctx, "known"); err == nil {
		t.Error("expected error on 403")
	}
}

func TestFileReportNoKey(t *testing.T) {
	if _, err := New("", time.Second).FileReport(context.Background(), "x"); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}
