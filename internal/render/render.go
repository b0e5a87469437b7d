// Package render writes transcription results to output files in the
// requested subtitle and document formats.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/example/whisperd/internal/engine"
	"github.com/example/whisperd/internal/state"
)

// Result is the material a single audio file's outputs are rendered from.
type Result struct {
	TaskID          string
	AudioPath       string
	Text            string
	Language        string
	DurationSeconds float64
	Segments        []engine.Segment
	CreatedAt       time.Time
}

// Renderer writes output files under Dir. Writes go through a .part temp
// path and are renamed into place, so readers never see partial files.
type Renderer struct {
	Dir string

	// Now is replaceable in tests; it stamps collision suffixes and
	// JSON metadata.
	Now func() time.Time
}

func New(dir string) *Renderer {
	return &Renderer{Dir: dir}
}

func (r *Renderer) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Render writes one output file for res in the given format and returns the
// path it landed on. An existing file with the target name is never
// clobbered; the new file gets a timestamp suffix instead.
func (r *Renderer) Render(format string, res Result) (string, error) {
	var body []byte
	var err error
	switch format {
	case state.FormatPlaintext:
		body = []byte(res.Text)
	case state.FormatSRT:
		body = renderSRT(res.Segments)
	case state.FormatVTT:
		body = renderVTT(res.Segments)
	case state.FormatStructured:
		body, err = r.renderJSON(res)
	default:
		return "", state.Errf(state.ErrInputInvalid, "unknown output format %q", format)
	}
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", state.WrapErr(state.ErrInternal, err, "cannot create output directory")
	}
	path := r.outputPath(res.AudioPath, format)
	if err := atomicWrite(path, body); err != nil {
		return "", state.WrapErr(state.ErrInternal, err, "cannot write output file")
	}
	return path, nil
}

// outputPath is <dir>/<audio basename>.<format ext>, with a _YYYYMMDD_HHMMSS
// suffix when that name is already taken.
func (r *Renderer) outputPath(audioPath, ext string) string {
	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	path := filepath.Join(r.Dir, base+"."+ext)
	if _, err := os.Stat(path); err == nil {
		stamp := r.now().Format("20060102_150405")
		path = filepath.Join(r.Dir, base+"_"+stamp+"."+ext)
	}
	return path
}

func atomicWrite(path string, body []byte) error {
	part := path + ".part"
	if err := os.WriteFile(part, body, 0o644); err != nil {
		return err
	}
	if err := os.Rename(part, path); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

func renderSRT(segs []engine.Segment) []byte {
	var buf bytes.Buffer
	for i, seg := range segs {
		fmt.Fprintf(&buf, "%d\n%s --> %s\n%s\n\n",
			i+1, clock(seg.Start, ','), clock(seg.End, ','), strings.TrimSpace(seg.Text))
	}
	return buf.Bytes()
}

func renderVTT(segs []engine.Segment) []byte {
	var buf bytes.Buffer
	buf.WriteString("WEBVTT\n\n")
	for _, seg := range segs {
		fmt.Fprintf(&buf, "%s --> %s\n%s\n\n",
			clock(seg.Start, '.'), clock(seg.End, '.'), strings.TrimSpace(seg.Text))
	}
	return buf.Bytes()
}

type jsonDocument struct {
	Metadata      jsonMetadata      `json:"metadata"`
	Transcription jsonTranscription `json:"transcription"`
}

type jsonMetadata struct {
	TaskID    string `json:"task_id"`
	CreatedAt string `json:"created_at"`
	Filename  string `json:"filename"`
	Format    string `json:"format"`
}

type jsonTranscription struct {
	Text            string           `json:"text"`
	Language        string           `json:"language"`
	DurationSeconds float64          `json:"duration_seconds"`
	Segments        []engine.Segment `json:"segments"`
}

func (r *Renderer) renderJSON(res Result) ([]byte, error) {
	created := res.CreatedAt
	if created.IsZero() {
		created = r.now()
	}
	base := strings.TrimSuffix(filepath.Base(res.AudioPath), filepath.Ext(res.AudioPath))
	segs := res.Segments
	if segs == nil {
		segs = []engine.Segment{}
	}
	doc := jsonDocument{
		Metadata: jsonMetadata{
			TaskID:    res.TaskID,
			CreatedAt: created.Format(time.RFC3339),
			Filename:  base,
			Format:    state.FormatStructured,
		},
		Transcription: jsonTranscription{
			Text:            res.Text,
			Language:        res.Language,
			DurationSeconds: res.DurationSeconds,
			Segments:        segs,
		},
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, state.WrapErr(state.ErrInternal, err, "cannot encode transcript")
	}
	return append(body, '\n'), nil
}

// clock formats seconds as HH:MM:SS<sep>mmm, truncating any sub-millisecond
// remainder.
func clock(seconds float64, sep byte) string {
	if seconds < 0 {
		seconds = 0
	}
	ms := int64(seconds * 1000)
	return fmt.Sprintf("%02d:%02d:%02d%c%03d",
		ms/3600000, (ms%3600000)/60000, (ms%60000)/1000, sep, ms%1000)
}

// OutputFile describes one rendered file in the output directory.
type OutputFile struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Path     string    `json:"path"`
}

// ListOutputs returns the rendered files under Dir, newest first. Dotfiles
// and in-flight .part files are skipped.
func (r *Renderer) ListOutputs() ([]OutputFile, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []OutputFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, OutputFile{
			Name:     name,
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			Path:     filepath.Join(r.Dir, name),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].Modified.Equal(files[j].Modified) {
			return files[i].Modified.After(files[j].Modified)
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}
