package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/craftd/craftd/internal/history"
)

func TestSinkPostsDocument(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(Options{BaseURL: srv.URL, Index: "project-events"})
	e := history.Event{
		Type:       history.EventBackup,
		OccurredAt: time.Now().UTC(),
		ProjectID:  3,
		Project:    "survival",
		Detail:     "success 20250101-000000-manual.tar.gz",
	}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotPath != "/project-events/_doc" {
		t.Fatalf("path = %q", gotPath)
	}
	var back history.Event
	if err := json.Unmarshal(gotBody, &back); err != nil {
		t.Fatalf("body: %v", err)
	}
	if back.Project != "survival" || back.Type != history.EventBackup {
		t.Fatalf("document = %+v", back)
	}
}

func TestSinkDailyIndexAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	sink := New(Options{BaseURL: srv.URL, Index: "audit", Daily: true, User: "ops", Pass: "hunter2"})
	at := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStarted, OccurredAt: at}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/audit-2026.03.09/_doc" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestSinkReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "index is read-only", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := New(Options{BaseURL: srv.URL, Index: "project-events"})
	err := sink.Send(context.Background(), history.Event{Type: history.EventStopped})
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("error detail: %v", err)
	}
}
