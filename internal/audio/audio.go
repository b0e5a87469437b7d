package audio

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Extensions accepted for submission. Video containers are included because
// ffmpeg-based engines demux the audio track themselves.
var supportedExtensions = map[string]struct{}{
	".wav": {}, ".mp3": {}, ".mp4": {}, ".avi": {}, ".mov": {},
	".m4a": {}, ".flac": {}, ".ogg": {}, ".wma": {}, ".aac": {},
}

// SupportedExtension reports whether path carries a recognized media extension.
func SupportedExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := supportedExtensions[ext]
	return ok
}

// SupportedExtensions returns the accepted extensions without the leading dot,
// sorted for display.
func SupportedExtensions() []string {
	out := make([]string, 0, len(supportedExtensions))
	for ext := range supportedExtensions {
		out = append(out, strings.TrimPrefix(ext, "."))
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Prober reports the playable duration of a media file.
type Prober interface {
	DurationSeconds(ctx context.Context, path string) (float64, error)
}

// FFprobe shells out to ffprobe for container metadata. The exec hook is
// replaceable in tests.
type FFprobe struct {
	Bin string
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewFFprobe returns a prober using the named binary, defaulting to "ffprobe".
func NewFFprobe(bin string) *FFprobe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFprobe{Bin: bin}
}

func (p *FFprobe) run(ctx context.Context, args ...string) ([]byte, error) {
	if p.Run != nil {
		return p.Run(ctx, p.Bin, args...)
	}
	return exec.CommandContext(ctx, p.Bin, args...).Output()
}

func (p *FFprobe) DurationSeconds(ctx context.Context, path string) (float64, error) {
	out, err := p.run(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	text := strings.TrimSpace(string(out))
	seconds, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration %q: %w", path, text, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("ffprobe %s: negative duration %f", path, seconds)
	}
	return seconds, nil
}

// StaticProber serves fixed durations, for tests and for engines that do not
// need duration-aware estimates.
type StaticProber struct {
	Durations map[string]float64
	Default   float64
}

func (p *StaticProber) DurationSeconds(_ context.Context, path string) (float64, error) {
	if d, ok := p.Durations[path]; ok {
		return d, nil
	}
	if p.Default > 0 {
		return p.Default, nil
	}
	return 0, fmt.Errorf("no duration configured for %s", path)
}
