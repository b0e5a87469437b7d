package engine

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/whisperd/internal/state"
)

const sampleCLIJSON = `{
  "result": {"language": "en"},
  "transcription": [
    {"offsets": {"from": 0, "to": 1480}, "text": " Hello there."},
    {"offsets": {"from": 1480, "to": 3920}, "text": " General Kenobi. "}
  ]
}`

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}

func testCLI(t *testing.T, run func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error)) *WhisperCLI {
	t.Helper()
	e := NewWhisperCLI("whisper-cli", nil)
	e.Run = run
	e.TempDir = func(dir, pattern string) (string, error) {
		return t.TempDir(), nil
	}
	return e
}

func TestTranscribeBuildsArgsAndParses(t *testing.T) {
	var gotArgs []string
	var gotEnv []string
	e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		gotEnv = env
		out := argValue(args, "-of")
		if out == "" {
			t.Fatal("no -of argument")
		}
		if err := os.WriteFile(out+".json", []byte(sampleCLIJSON), 0o644); err != nil {
			t.Fatal(err)
		}
		return nil, nil, nil
	})

	h := &cliHandle{model: "small", device: 3, path: "/models/ggml-small.bin"}
	got, err := e.Transcribe(context.Background(), h, "/audio/meeting.wav", "en")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if v := argValue(gotArgs, "-m"); v != "/models/ggml-small.bin" {
		t.Fatalf("-m = %q", v)
	}
	if v := argValue(gotArgs, "-f"); v != "/audio/meeting.wav" {
		t.Fatalf("-f = %q", v)
	}
	if v := argValue(gotArgs, "-l"); v != "en" {
		t.Fatalf("-l = %q", v)
	}
	if !hasArg(gotArgs, "-oj") || !hasArg(gotArgs, "-np") {
		t.Fatalf("missing -oj or -np in %v", gotArgs)
	}
	if hasArg(gotArgs, "-ng") {
		t.Fatal("-ng set without CPUOnly")
	}
	found := false
	for _, kv := range gotEnv {
		if kv == "CUDA_VISIBLE_DEVICES=3" {
			found = true
		}
	}
	if !found {
		t.Fatal("CUDA_VISIBLE_DEVICES not pinned to handle device")
	}

	if got.DetectedLanguage != "en" {
		t.Fatalf("language = %q", got.DetectedLanguage)
	}
	if got.Text != "Hello there. General Kenobi." {
		t.Fatalf("text = %q", got.Text)
	}
	if len(got.Segments) != 2 {
		t.Fatalf("segments = %d", len(got.Segments))
	}
	if got.Segments[1].Start != 1.48 || got.Segments[1].End != 3.92 {
		t.Fatalf("segment times = %v..%v", got.Segments[1].Start, got.Segments[1].End)
	}
	if got.DurationSeconds != 3.92 {
		t.Fatalf("duration = %v", got.DurationSeconds)
	}
}

func TestTranscribeCPUOnly(t *testing.T) {
	var gotArgs []string
	e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
		gotArgs = args
		out := argValue(args, "-of")
		os.WriteFile(out+".json", []byte(`{"result":{"language":"en"},"transcription":[]}`), 0o644)
		return nil, nil, nil
	})
	e.CPUOnly = true

	h := &cliHandle{model: "tiny", device: 0, path: "/models/ggml-tiny.bin"}
	if _, err := e.Transcribe(context.Background(), h, "a.wav", "auto"); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !hasArg(gotArgs, "-ng") {
		t.Fatal("CPUOnly run missing -ng")
	}
}

func TestTranscribeErrorMapping(t *testing.T) {
	t.Run("process failure is transient with stderr tail", func(t *testing.T) {
		e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
			return nil, []byte("ggml_cuda_init: CUDA error 2: out of memory"), errors.New("exit status 1")
		})
		h := &cliHandle{model: "tiny", device: 0, path: "p"}
		_, err := e.Transcribe(context.Background(), h, "a.wav", "en")
		if kind := state.KindOf(err); kind != state.ErrEngineTransient {
			t.Fatalf("kind = %s, want EngineTransient", kind)
		}
		if !strings.Contains(err.Error(), "out of memory") {
			t.Fatalf("stderr tail missing from error: %v", err)
		}
	})

	t.Run("missing binary is fatal", func(t *testing.T) {
		e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
			return nil, nil, exec.ErrNotFound
		})
		h := &cliHandle{model: "tiny", device: 0, path: "p"}
		_, err := e.Transcribe(context.Background(), h, "a.wav", "en")
		if kind := state.KindOf(err); kind != state.ErrEngineFatal {
			t.Fatalf("kind = %s, want EngineFatal", kind)
		}
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
			cancel()
			return nil, nil, errors.New("signal: killed")
		})
		h := &cliHandle{model: "tiny", device: 0, path: "p"}
		_, err := e.Transcribe(ctx, h, "a.wav", "en")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("missing transcript is fatal", func(t *testing.T) {
		e := testCLI(t, func(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
			return nil, nil, nil
		})
		h := &cliHandle{model: "tiny", device: 0, path: "p"}
		_, err := e.Transcribe(context.Background(), h, "a.wav", "en")
		if kind := state.KindOf(err); kind != state.ErrEngineFatal {
			t.Fatalf("kind = %s, want EngineFatal", kind)
		}
	})
}

func TestParseCLIOutput(t *testing.T) {
	if _, err := parseCLIOutput([]byte("not json")); state.KindOf(err) != state.ErrEngineFatal {
		t.Fatal("garbage transcript should be fatal")
	}

	got, err := parseCLIOutput([]byte(`{"result":{"language":"de"},"transcription":[]}`))
	if err != nil {
		t.Fatalf("parse empty transcription: %v", err)
	}
	if got.Text != "" || len(got.Segments) != 0 || got.DurationSeconds != 0 {
		t.Fatalf("empty transcription parsed as %+v", got)
	}
	if got.DetectedLanguage != "de" {
		t.Fatalf("language = %q", got.DetectedLanguage)
	}
}

func TestLoadUsesFetcherCache(t *testing.T) {
	dir := t.TempDir()
	f := NewFetcher(dir)
	weights := make([]byte, minModelBytes)
	if err := os.WriteFile(f.Path("tiny"), weights, 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewWhisperCLI("", f)
	if e.Bin != "whisper-cli" {
		t.Fatalf("default bin = %q", e.Bin)
	}
	h, err := e.Load(context.Background(), LoadRequest{Model: "tiny", Device: 1})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if h.Model() != "tiny" || h.Device() != 1 {
		t.Fatalf("handle = %s on %d", h.Model(), h.Device())
	}
	ch := h.(*cliHandle)
	if ch.path != filepath.Join(dir, "ggml-tiny.bin") {
		t.Fatalf("handle path = %s", ch.path)
	}
}
