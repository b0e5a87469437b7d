package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/example/whisperd/internal/state"
)

// WhisperCLI drives the whisper.cpp command line binary. "Loading" a model
// means having its ggml weights on disk; each transcription is one process
// run pinned to the handle's device via CUDA_VISIBLE_DEVICES. Repeat runs of
// the same model benefit from the page cache, which is the locality the
// scheduler optimizes for.
type WhisperCLI struct {
	Bin     string
	Fetcher *Fetcher
	CPUOnly bool

	// Run and TempDir are replaceable in tests.
	Run     func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error)
	TempDir func(dir, pattern string) (string, error)
}

func NewWhisperCLI(bin string, fetcher *Fetcher) *WhisperCLI {
	if bin == "" {
		bin = "whisper-cli"
	}
	return &WhisperCLI{Bin: bin, Fetcher: fetcher}
}

type cliHandle struct {
	model  string
	device int
	path   string
}

func (h *cliHandle) Model() string { return h.model }
func (h *cliHandle) Device() int   { return h.device }

func (e *WhisperCLI) Load(ctx context.Context, req LoadRequest) (Handle, error) {
	path, err := e.Fetcher.Ensure(ctx, req.Model, req.OnDownload)
	if err != nil {
		return nil, err
	}
	return &cliHandle{model: req.Model, device: req.Device, path: path}, nil
}

func (e *WhisperCLI) Unload(Handle) {}

func (e *WhisperCLI) Transcribe(ctx context.Context, h Handle, audioPath, language string) (*Transcription, error) {
	ch, ok := h.(*cliHandle)
	if !ok {
		return nil, state.Errf(state.ErrInternal, "foreign handle passed to whisper-cli engine")
	}

	tempDir, err := e.mkTemp()
	if err != nil {
		return nil, state.WrapErr(state.ErrEngineTransient, err, "cannot create scratch directory")
	}
	defer os.RemoveAll(tempDir)

	outBase := filepath.Join(tempDir, "out")
	args := []string{
		"-m", ch.path,
		"-f", audioPath,
		"-oj",
		"-of", outBase,
		"-np",
		"-l", language,
	}
	if e.CPUOnly {
		args = append(args, "-ng")
	}
	env := append(os.Environ(), "CUDA_VISIBLE_DEVICES="+strconv.Itoa(ch.device))

	_, stderr, err := e.run(ctx, env, e.Bin, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, state.WrapErr(state.ErrEngineFatal, err, "whisper binary not found: "+e.Bin)
		}
		return nil, state.WrapErr(state.ErrEngineTransient, err, "whisper run failed: "+tail(stderr, 300))
	}

	raw, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, state.WrapErr(state.ErrEngineFatal, err, "whisper produced no transcript")
	}
	return parseCLIOutput(raw)
}

func (e *WhisperCLI) run(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	if e.Run != nil {
		return e.Run(ctx, env, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = env
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return []byte(stdout.String()), []byte(stderr.String()), err
}

func (e *WhisperCLI) mkTemp() (string, error) {
	if e.TempDir != nil {
		return e.TempDir("", "whisperd-*")
	}
	return os.MkdirTemp("", "whisperd-*")
}

// cliOutput mirrors whisper.cpp's -oj JSON file. Offsets are milliseconds.
type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

func parseCLIOutput(raw []byte) (*Transcription, error) {
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, state.WrapErr(state.ErrEngineFatal, err, "whisper transcript is not valid JSON")
	}
	t := &Transcription{DetectedLanguage: out.Result.Language}
	var text strings.Builder
	for i, seg := range out.Transcription {
		s := Segment{
			Index: i,
			Start: float64(seg.Offsets.From) / 1000.0,
			End:   float64(seg.Offsets.To) / 1000.0,
			Text:  strings.TrimSpace(seg.Text),
		}
		t.Segments = append(t.Segments, s)
		if s.Text != "" {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(s.Text)
		}
		t.DurationSeconds = s.End
	}
	t.Text = text.String()
	return t, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
