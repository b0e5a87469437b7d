package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/example/whisperd/internal/state"
)

// A ggml weight file below this size is a truncated download, not a model.
const minModelBytes = 1 << 20

const defaultWeightBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main"

// Fetcher caches ggml weight files under Dir, downloading missing models
// with real transfer progress.
type Fetcher struct {
	Dir     string
	BaseURL string
	Client  *http.Client
}

func NewFetcher(dir string) *Fetcher {
	return &Fetcher{Dir: dir}
}

// Path returns where a model's weights live once cached.
func (f *Fetcher) Path(model string) string {
	return filepath.Join(f.Dir, "ggml-"+model+".bin")
}

// Ensure returns the local weight path, downloading it first when absent.
// A cached file smaller than the plausible minimum is treated as corrupt and
// replaced. onProgress, when non-nil, sees 0..100.
func (f *Fetcher) Ensure(ctx context.Context, model string, onProgress func(pct int, message string)) (string, error) {
	path := f.Path(model)
	if info, err := os.Stat(path); err == nil {
		if info.Size() >= minModelBytes {
			return path, nil
		}
		log.Printf("fetch: cached model %s is %d bytes, replacing", model, info.Size())
		if err := os.Remove(path); err != nil {
			return "", state.WrapErr(state.ErrEngineFatal, err, "cannot remove corrupt model cache")
		}
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", state.WrapErr(state.ErrEngineFatal, err, "cannot create model directory")
	}

	base := f.BaseURL
	if base == "" {
		base = defaultWeightBaseURL
	}
	url := base + "/ggml-" + model + ".bin"
	emit(onProgress, 0, "downloading model "+model)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", state.WrapErr(state.ErrInternal, err, "build model request")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", state.WrapErr(state.ErrEngineTransient, err, "model download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", state.Errf(state.ErrEngineTransient, "model download failed: %s returned %s", url, resp.Status)
	}

	part := path + ".part"
	dst, err := os.Create(part)
	if err != nil {
		return "", state.WrapErr(state.ErrEngineFatal, err, "cannot create model temp file")
	}
	written, err := io.Copy(dst, &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		emit: func(pct int) {
			emit(onProgress, pct, fmt.Sprintf("downloading model %s (%d%%)", model, pct))
		},
	})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(part)
		return "", state.WrapErr(state.ErrEngineTransient, err, "model download interrupted")
	}
	if written < minModelBytes {
		os.Remove(part)
		return "", state.Errf(state.ErrEngineFatal, "model %s download produced %d bytes", model, written)
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return "", state.WrapErr(state.ErrEngineFatal, err, "cannot move model into cache")
	}
	emit(onProgress, 100, "model "+model+" ready")
	return path, nil
}

func emit(onProgress func(int, string), pct int, message string) {
	if onProgress != nil {
		onProgress(pct, message)
	}
}

// progressReader reports whole-percent transfer progress, capped at 99 until
// the file is committed.
type progressReader struct {
	r       io.Reader
	total   int64
	read    int64
	lastPct int
	emit    func(pct int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct > p.lastPct {
			p.lastPct = pct
			p.emit(pct)
		}
	}
	return n, err
}
