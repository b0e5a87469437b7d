package render

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/whisperd/internal/engine"
	"github.com/example/whisperd/internal/state"
)

func sampleResult() Result {
	return Result{
		TaskID:          "tsk-1",
		AudioPath:       "/uploads/standup meeting.wav",
		Text:            "Hello there. General Kenobi.",
		Language:        "en",
		DurationSeconds: 3.92,
		Segments: []engine.Segment{
			{Index: 0, Start: 0, End: 1.48, Text: "Hello there."},
			{Index: 1, Start: 1.48, End: 3.92, Text: "General Kenobi."},
		},
		CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderPlaintext(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Render(state.FormatPlaintext, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if filepath.Base(path) != "standup meeting.txt" {
		t.Fatalf("output name = %s", filepath.Base(path))
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(body) != "Hello there. General Kenobi." {
		t.Fatalf("body = %q", body)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestRenderSRT(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Render(state.FormatSRT, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body, _ := os.ReadFile(path)
	want := "1\n00:00:00,000 --> 00:00:01,480\nHello there.\n\n" +
		"2\n00:00:01,480 --> 00:00:03,920\nGeneral Kenobi.\n\n"
	if string(body) != want {
		t.Fatalf("srt body:\n%q\nwant:\n%q", body, want)
	}
}

func TestRenderVTT(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Render(state.FormatVTT, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body, _ := os.ReadFile(path)
	want := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:01.480\nHello there.\n\n" +
		"00:00:01.480 --> 00:00:03.920\nGeneral Kenobi.\n\n"
	if string(body) != want {
		t.Fatalf("vtt body:\n%q\nwant:\n%q", body, want)
	}
}

func TestRenderStructured(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Render(state.FormatStructured, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body, _ := os.ReadFile(path)

	var doc struct {
		Metadata struct {
			TaskID    string `json:"task_id"`
			CreatedAt string `json:"created_at"`
			Filename  string `json:"filename"`
			Format    string `json:"format"`
		} `json:"metadata"`
		Transcription struct {
			Text            string           `json:"text"`
			Language        string           `json:"language"`
			DurationSeconds float64          `json:"duration_seconds"`
			Segments        []engine.Segment `json:"segments"`
		} `json:"transcription"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("output is not valid json: %v", err)
	}
	if doc.Metadata.TaskID != "tsk-1" || doc.Metadata.Format != "json" {
		t.Fatalf("metadata = %+v", doc.Metadata)
	}
	if doc.Metadata.Filename != "standup meeting" {
		t.Fatalf("metadata filename = %q", doc.Metadata.Filename)
	}
	if doc.Metadata.CreatedAt != "2024-06-01T12:00:00Z" {
		t.Fatalf("created_at = %q", doc.Metadata.CreatedAt)
	}
	if doc.Transcription.Text != "Hello there. General Kenobi." {
		t.Fatalf("text = %q", doc.Transcription.Text)
	}
	if len(doc.Transcription.Segments) != 2 || doc.Transcription.Segments[1].End != 3.92 {
		t.Fatalf("segments = %+v", doc.Transcription.Segments)
	}
	if !strings.HasPrefix(string(body), "{\n  \"metadata\"") {
		t.Fatalf("output not indented: %q", body[:30])
	}
}

func TestRenderCollisionGetsTimestampSuffix(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	r.Now = func() time.Time {
		return time.Date(2024, 6, 1, 9, 30, 15, 0, time.UTC)
	}
	if err := os.WriteFile(filepath.Join(dir, "standup meeting.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := r.Render(state.FormatPlaintext, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if filepath.Base(path) != "standup meeting_20240601_093015.txt" {
		t.Fatalf("collision name = %s", filepath.Base(path))
	}
	old, _ := os.ReadFile(filepath.Join(dir, "standup meeting.txt"))
	if string(old) != "old" {
		t.Fatal("existing output was clobbered")
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Render("docx", sampleResult())
	if err == nil {
		t.Fatal("want error for unknown format")
	}
	if kind := state.KindOf(err); kind != state.ErrInputInvalid {
		t.Fatalf("kind = %s, want InputInvalid", kind)
	}
}

func TestRenderEmptySegments(t *testing.T) {
	r := New(t.TempDir())
	res := sampleResult()
	res.Segments = nil

	path, err := r.Render(state.FormatVTT, res)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body, _ := os.ReadFile(path)
	if string(body) != "WEBVTT\n\n" {
		t.Fatalf("empty vtt = %q", body)
	}

	path, err = r.Render(state.FormatStructured, res)
	if err != nil {
		t.Fatalf("render json: %v", err)
	}
	body, _ = os.ReadFile(path)
	if !strings.Contains(string(body), "\"segments\": []") {
		t.Fatalf("nil segments should encode as empty array: %s", body)
	}
}

func TestListOutputs(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if files, err := r.ListOutputs(); err != nil || len(files) != 0 {
		t.Fatalf("empty dir: files=%v err=%v", files, err)
	}

	older := time.Now().Add(-time.Hour)
	write := func(name string, mod time.Time) {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	write("a.txt", older)
	write("b.srt", time.Now())
	write(".hidden", older)
	write("c.vtt.part", older)

	files, err := r.ListOutputs()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("listed %d files, want 2: %+v", len(files), files)
	}
	if files[0].Name != "b.srt" || files[1].Name != "a.txt" {
		t.Fatalf("order = %s, %s", files[0].Name, files[1].Name)
	}
	if files[1].Size != 1 {
		t.Fatalf("size = %d", files[1].Size)
	}
}
