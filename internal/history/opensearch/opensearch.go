// Package opensearch exports history events to OpenSearch or Elasticsearch
// over the plain document API. One POST per event is all the daemon needs,
// so no client library is involved.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/craftd/craftd/internal/history"
)

// Options configures a Sink.
type Options struct {
	// BaseURL is the cluster root, e.g. "http://localhost:9200".
	BaseURL string
	// Index receives the documents. With Daily set it becomes a prefix and
	// events land in <index>-YYYY.MM.DD, so retention is index deletion.
	Index string
	Daily bool
	// User and Pass enable basic auth when User is non-empty.
	User string
	Pass string
}

// Sink POSTs each event as a JSON document to <base>/<index>/_doc.
type Sink struct {
	client *http.Client
	opt    Options
}

func New(o Options) *Sink {
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: 5 * time.Second}, opt: o}
}

func (s *Sink) indexFor(t time.Time) string {
	if !s.opt.Daily {
		return s.opt.Index
	}
	if t.IsZero() {
		t = time.Now()
	}
	return s.opt.Index + "-" + t.UTC().Format("2006.01.02")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	idx := s.indexFor(e.OccurredAt)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.opt.BaseURL+"/"+idx+"/_doc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opt.User != "" {
		req.SetBasicAuth(s.opt.User, s.opt.Pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("opensearch: index %s: status %d: %s",
			idx, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
