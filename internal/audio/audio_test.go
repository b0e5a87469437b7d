package audio

import (
	"context"
	"strings"
	"testing"
)

func TestSupportedExtension(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"talk.wav", true},
		{"TALK.WAV", true},
		{"clip.Mp4", true},
		{"notes.txt", false},
		{"noext", false},
		{"dir.wav/file", false},
	}
	for _, tc := range cases {
		if got := SupportedExtension(tc.path); got != tc.want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestSupportedExtensionsSorted(t *testing.T) {
	exts := SupportedExtensions()
	if len(exts) == 0 {
		t.Fatalf("no extensions reported")
	}
	for i := 1; i < len(exts); i++ {
		if exts[i] < exts[i-1] {
			t.Fatalf("extensions not sorted: %v", exts)
		}
	}
	for _, e := range exts {
		if strings.HasPrefix(e, ".") {
			t.Fatalf("extension %q still carries the dot", e)
		}
	}
}

func TestFFprobeDurationSeconds(t *testing.T) {
	var gotBin string
	var gotArgs []string
	p := NewFFprobe("ffprobe-test")
	p.Run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotBin = name
		gotArgs = args
		return []byte("123.45\n"), nil
	}

	seconds, err := p.DurationSeconds(context.Background(), "talk.wav")
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if seconds != 123.45 {
		t.Fatalf("seconds = %v, want 123.45", seconds)
	}
	if gotBin != "ffprobe-test" {
		t.Fatalf("bin = %q", gotBin)
	}
	if gotArgs[len(gotArgs)-1] != "talk.wav" {
		t.Fatalf("last arg = %q, want the probed path", gotArgs[len(gotArgs)-1])
	}
	joined := strings.Join(gotArgs, " ")
	if !strings.Contains(joined, "format=duration") {
		t.Fatalf("args missing duration query: %v", gotArgs)
	}
}

func TestFFprobeRejectsUnparseableOutput(t *testing.T) {
	p := NewFFprobe("")
	p.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("N/A\n"), nil
	}
	if _, err := p.DurationSeconds(context.Background(), "talk.wav"); err == nil {
		t.Fatalf("expected parse error")
	}

	p.Run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("-3.0\n"), nil
	}
	if _, err := p.DurationSeconds(context.Background(), "talk.wav"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}

func TestStaticProber(t *testing.T) {
	p := &StaticProber{Durations: map[string]float64{"a.wav": 10}, Default: 30}
	if d, err := p.DurationSeconds(context.Background(), "a.wav"); err != nil || d != 10 {
		t.Fatalf("mapped duration = %v, %v", d, err)
	}
	if d, err := p.DurationSeconds(context.Background(), "b.wav"); err != nil || d != 30 {
		t.Fatalf("default duration = %v, %v", d, err)
	}

	empty := &StaticProber{}
	if _, err := empty.DurationSeconds(context.Background(), "c.wav"); err == nil {
		t.Fatalf("expected error when nothing configured")
	}
}
