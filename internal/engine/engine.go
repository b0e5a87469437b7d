package engine

import "context"

// Segment is one timestamped span of recognized speech, in seconds.
type Segment struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcription is the engine output for one audio file.
type Transcription struct {
	Text             string    `json:"text"`
	DetectedLanguage string    `json:"language"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Segments         []Segment `json:"segments"`
}

// Handle is a loaded model bound to a device. Handles are not safe for use
// from multiple workers at once; per-device serialization is the caller's
// responsibility.
type Handle interface {
	Model() string
	Device() int
}

// LoadRequest asks for a model on a device. OnDownload receives fetch
// progress (0..100) when the weights are not cached; it may be nil.
type LoadRequest struct {
	Model      string
	Device     int
	OnDownload func(pct int, message string)
}

// Engine is the transcription backend. Implementations map their failures
// onto the task error taxonomy so the worker can decide retries.
type Engine interface {
	Load(ctx context.Context, req LoadRequest) (Handle, error)
	Transcribe(ctx context.Context, h Handle, audioPath, language string) (*Transcription, error)
	Unload(h Handle)
}
