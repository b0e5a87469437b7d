package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/example/whisperd/internal/state"
)

func TestStubDeterministicTranscript(t *testing.T) {
	s := NewStub()
	h, err := s.Load(context.Background(), LoadRequest{Model: "tiny", Device: 0})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	got, err := s.Transcribe(context.Background(), h, "/audio/standup.wav", "")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "stub transcript of standup" {
		t.Fatalf("text = %q", got.Text)
	}
	if got.DetectedLanguage != "en" {
		t.Fatalf("language = %q", got.DetectedLanguage)
	}
	if len(got.Segments) != 2 || got.Segments[1].End != got.DurationSeconds {
		t.Fatalf("segments = %+v", got.Segments)
	}

	got, err = s.Transcribe(context.Background(), h, "/audio/standup.wav", "fr")
	if err != nil {
		t.Fatalf("transcribe with language: %v", err)
	}
	if got.DetectedLanguage != "fr" {
		t.Fatalf("requested language not honored: %q", got.DetectedLanguage)
	}
}

func TestStubDownloadStepsReplayOnceOnly(t *testing.T) {
	s := NewStub()
	s.DownloadSteps = []int{0, 50, 100}

	var first []int
	if _, err := s.Load(context.Background(), LoadRequest{Model: "base", OnDownload: func(pct int, message string) {
		first = append(first, pct)
	}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(first) != 3 || first[2] != 100 {
		t.Fatalf("first load progress = %v", first)
	}

	var second []int
	if _, err := s.Load(context.Background(), LoadRequest{Model: "base", OnDownload: func(pct int, message string) {
		second = append(second, pct)
	}}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("cached load replayed download progress: %v", second)
	}
}

func TestStubFailureInjection(t *testing.T) {
	s := NewStub()
	boom := state.Errf(state.ErrEngineTransient, "injected")
	s.FailFileOnce("/audio/bad.wav", 2, boom)

	h, _ := s.Load(context.Background(), LoadRequest{Model: "tiny"})
	for i := 0; i < 2; i++ {
		if _, err := s.Transcribe(context.Background(), h, "/audio/bad.wav", ""); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want injected failure", i+1, err)
		}
	}
	if _, err := s.Transcribe(context.Background(), h, "/audio/bad.wav", ""); err != nil {
		t.Fatalf("failure did not clear after budget: %v", err)
	}

	s.FailLoad["large-v3"] = state.Errf(state.ErrEngineFatal, "no weights")
	if _, err := s.Load(context.Background(), LoadRequest{Model: "large-v3"}); state.KindOf(err) != state.ErrEngineFatal {
		t.Fatalf("load failure not injected: %v", err)
	}
}
