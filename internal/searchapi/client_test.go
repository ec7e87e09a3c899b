package searchapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		URL:    server.URL,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

func TestSearch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/search" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "dune" {
			t.Errorf("query = %q, want dune", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("limit = %q, want 25", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"Dune 1984","magnet_uri":"magnet:?xt=urn:btih:abc","size_bytes":734003200,"seeders":12,"leechers":3,"source":"rarbg"},
			{"title":"Dune (epub)","link":"https://mirror.example/dune.epub","download_type":"direct","info_hash":"d41d8cd98f"},
			{"magnet_uri":"magnet:?xt=urn:btih:notitle"}
		]}`))
	}))

	results, err := client.Search(context.Background(), "dune", "", 25)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (malformed record skipped)", len(results))
	}

	if results[0].Type != ResultTypeMagnet {
		t.Errorf("result 0 type = %q, want magnet", results[0].Type)
	}
	if results[0].DownloadURL != "magnet:?xt=urn:btih:abc" {
		t.Errorf("result 0 locator = %q", results[0].DownloadURL)
	}
	if results[0].Seeders != 12 {
		t.Errorf("result 0 seeders = %d, want 12", results[0].Seeders)
	}

	if results[1].Type != ResultTypeDirect {
		t.Errorf("result 1 type = %q, want direct", results[1].Type)
	}
	if results[1].DownloadURL != "https://mirror.example/dune.epub" {
		t.Errorf("result 1 locator = %q", results[1].DownloadURL)
	}
}

func TestSearchServerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Search(context.Background(), "dune", "", 0)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestSearchRejected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))

	_, err := client.Search(context.Background(), "dune", "", 0)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestSearchConnectionRefused(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := client.Search(context.Background(), "dune", "", 0)
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestHealth(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/health" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"status":"healthy","healthy_count":7,"total_indexers":9,"uptime":"3h12m"}`))
	}))

	status, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("status = %q", status.Status)
	}
	if status.HealthyCount != 7 || status.TotalIndexers != 9 {
		t.Errorf("counts = %d/%d, want 7/9", status.HealthyCount, status.TotalIndexers)
	}
}

func TestIndexers(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"indexers":[{"name":"rarbg","healthy":true},{"name":"nyaa","healthy":false}]}`))
	}))

	indexers, err := client.Indexers(context.Background())
	if err != nil {
		t.Fatalf("Indexers: %v", err)
	}
	if len(indexers) != 2 {
		t.Fatalf("got %d indexers, want 2", len(indexers))
	}
	if indexers[1].Healthy {
		t.Errorf("indexer %q should be unhealthy", indexers[1].Name)
	}
}

func TestResolveDirect(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/books/download" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("md5"); got != "d41d8cd98f" {
			t.Errorf("md5 = %q", got)
		}
		w.Write([]byte(`{"download_url":"https://cdn.example/file.epub","source":"libgen","cached":true}`))
	}))

	src, err := client.ResolveDirect(context.Background(), "d41d8cd98f", "LibGen")
	if err != nil {
		t.Fatalf("ResolveDirect: %v", err)
	}
	if src.URL() != "https://cdn.example/file.epub" {
		t.Errorf("URL = %q", src.URL())
	}
	if !src.Cached {
		t.Error("expected cached source")
	}
}

func TestResolveDirectMirrorFallback(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"mirror":"https://mirror2.example/file.epub"}`))
	}))

	src, err := client.ResolveDirect(context.Background(), "abc", "")
	if err != nil {
		t.Fatalf("ResolveDirect: %v", err)
	}
	if src.URL() != "https://mirror2.example/file.epub" {
		t.Errorf("URL = %q", src.URL())
	}
}
