package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Stub is a deterministic engine for development and tests. It fabricates
// two segments per file and can inject delays and failures.
type Stub struct {
	LoadDelay       time.Duration
	TranscribeDelay time.Duration
	DownloadSteps   []int // fetch progress to replay on first load of a model

	mu       sync.Mutex
	loaded   map[string]bool // model -> weights "cached"
	FailLoad map[string]error
	FailFile map[string]error
	failOnce map[string]int
	Language string
}

func NewStub() *Stub {
	return &Stub{
		loaded:   make(map[string]bool),
		FailLoad: make(map[string]error),
		FailFile: make(map[string]error),
		failOnce: make(map[string]int),
		Language: "en",
	}
}

// FailFileOnce arms a failure that fires for the first n transcriptions of
// the given path, then clears.
func (s *Stub) FailFileOnce(path string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailFile[path] = err
	s.failOnce[path] = n
}

type stubHandle struct {
	model  string
	device int
}

func (h *stubHandle) Model() string { return h.model }
func (h *stubHandle) Device() int   { return h.device }

func (s *Stub) Load(ctx context.Context, req LoadRequest) (Handle, error) {
	if err := sleepCtx(ctx, s.LoadDelay); err != nil {
		return nil, err
	}
	s.mu.Lock()
	failErr := s.FailLoad[req.Model]
	firstLoad := !s.loaded[req.Model]
	if failErr == nil {
		s.loaded[req.Model] = true
	}
	steps := s.DownloadSteps
	s.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}
	if firstLoad && req.OnDownload != nil {
		for _, pct := range steps {
			req.OnDownload(pct, fmt.Sprintf("downloading model %s (%d%%)", req.Model, pct))
		}
	}
	return &stubHandle{model: req.Model, device: req.Device}, nil
}

func (s *Stub) Unload(Handle) {}

func (s *Stub) Transcribe(ctx context.Context, h Handle, audioPath, language string) (*Transcription, error) {
	if err := sleepCtx(ctx, s.TranscribeDelay); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err, armed := s.FailFile[audioPath]
	if armed {
		if n, once := s.failOnce[audioPath]; once {
			if n <= 1 {
				delete(s.FailFile, audioPath)
				delete(s.failOnce, audioPath)
			} else {
				s.failOnce[audioPath] = n - 1
			}
		}
	}
	s.mu.Unlock()
	if armed && err != nil {
		return nil, err
	}

	detected := s.Language
	if language != "" && language != "auto" {
		detected = language
	}
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	return &Transcription{
		Text:             fmt.Sprintf("stub transcript of %s", base),
		DetectedLanguage: detected,
		DurationSeconds:  3.5,
		Segments: []Segment{
			{Index: 0, Start: 0, End: 1.5, Text: "stub transcript"},
			{Index: 1, Start: 1.5, End: 3.5, Text: "of " + base},
		},
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Engine = (*Stub)(nil)
var _ Engine = (*WhisperCLI)(nil)
