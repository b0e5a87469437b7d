package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/example/whisperd/internal/state"
)

func TestEnsureDownloadsAndCaches(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, minModelBytes+512)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/ggml-tiny.bin" {
			t.Errorf("unexpected request path %q", r.URL.Path)
		}
		w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	f.BaseURL = srv.URL

	path, err := f.Ensure(context.Background(), "tiny", nil)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if filepath.Base(path) != "ggml-tiny.bin" {
		t.Fatalf("unexpected cache path %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat cached model: %v", err)
	}
	if info.Size() != int64(len(body)) {
		t.Fatalf("cached %d bytes, want %d", info.Size(), len(body))
	}

	if _, err := f.Ensure(context.Background(), "tiny", nil); err != nil {
		t.Fatalf("ensure cached: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("cached ensure hit the server %d times, want 1", got)
	}
}

func TestEnsureReplacesTruncatedCache(t *testing.T) {
	dir := t.TempDir()
	f := NewFetcher(dir)
	if err := os.WriteFile(f.Path("tiny"), []byte("stub"), 0o644); err != nil {
		t.Fatal(err)
	}

	body := bytes.Repeat([]byte{0x01}, minModelBytes)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()
	f.BaseURL = srv.URL

	path, err := f.Ensure(context.Background(), "tiny", nil)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Size() != int64(minModelBytes) {
		t.Fatalf("truncated cache not replaced, size %d", info.Size())
	}
}

func TestEnsureReportsProgress(t *testing.T) {
	body := bytes.Repeat([]byte{0x02}, minModelBytes*2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir())
	f.BaseURL = srv.URL

	var pcts []int
	_, err := f.Ensure(context.Background(), "base", func(pct int, message string) {
		pcts = append(pcts, pct)
		if message == "" {
			t.Error("empty progress message")
		}
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(pcts) < 2 {
		t.Fatalf("want at least start and finish progress, got %v", pcts)
	}
	if pcts[0] != 0 {
		t.Fatalf("first progress = %d, want 0", pcts[0])
	}
	if last := pcts[len(pcts)-1]; last != 100 {
		t.Fatalf("last progress = %d, want 100", last)
	}
	for i := 1; i < len(pcts); i++ {
		if pcts[i] < pcts[i-1] {
			t.Fatalf("progress went backwards: %v", pcts)
		}
		if pcts[i] > 99 && i != len(pcts)-1 {
			t.Fatalf("100 emitted before rename: %v", pcts)
		}
	}
}

func TestEnsureServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(dir)
	f.BaseURL = srv.URL

	_, err := f.Ensure(context.Background(), "tiny", nil)
	if err == nil {
		t.Fatal("want error for 404 response")
	}
	if kind := state.KindOf(err); kind != state.ErrEngineTransient {
		t.Fatalf("kind = %s, want EngineTransient", kind)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		t.Fatalf("leftover file after failed download: %s", e.Name())
	}
}

func TestEnsureShortDownloadIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a model"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(dir)
	f.BaseURL = srv.URL

	_, err := f.Ensure(context.Background(), "tiny", nil)
	if err == nil {
		t.Fatal("want error for undersized download")
	}
	if kind := state.KindOf(err); kind != state.ErrEngineFatal {
		t.Fatalf("kind = %s, want EngineFatal", kind)
	}
	if _, err := os.Stat(f.Path("tiny") + ".part"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file left behind after failed download")
	}
}
