// Package whisperapi holds the wire types of the control API. It only
// depends on the standard library so clients can import it directly.
package whisperapi

// SubmitTaskRequest enqueues a transcription task. Files are server-local
// paths; PreferredGPU is a hint, nil means no preference.
type SubmitTaskRequest struct {
	Files         []string `json:"files"`
	Model         string   `json:"model"`
	Language      string   `json:"language,omitempty"`
	OutputFormats []string `json:"output_formats,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	PreferredGPU  *int     `json:"preferred_gpu,omitempty"`
}

type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskError carries the stable error code plus a human message.
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FileOutput is one input file's transcript summary with the rendered
// output paths keyed by format.
type FileOutput struct {
	File             string            `json:"file"`
	DetectedLanguage string            `json:"detected_language,omitempty"`
	DurationSeconds  float64           `json:"duration_seconds,omitempty"`
	Outputs          map[string]string `json:"outputs"`
}

type TaskStatusResponse struct {
	TaskID           string       `json:"task_id"`
	Status           string       `json:"status"`
	Model            string       `json:"model"`
	Language         string       `json:"language"`
	Files            []string     `json:"files"`
	Priority         string       `json:"priority"`
	Progress         int          `json:"progress"`
	Message          string       `json:"message,omitempty"`
	DownloadProgress int          `json:"download_progress,omitempty"`
	GPU              *int         `json:"gpu,omitempty"`
	RetryCount       int          `json:"retry_count"`
	Error            *TaskError   `json:"error,omitempty"`
	Results          []FileOutput `json:"results,omitempty"`
	CreatedAt        string       `json:"created_at"`
	StartedAt        string       `json:"started_at,omitempty"`
	EndedAt          string       `json:"ended_at,omitempty"`
}

type CancelTaskResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Accepted bool   `json:"accepted"`
}

type QueueResponse struct {
	Pending []TaskStatusResponse `json:"pending"`
	Running []TaskStatusResponse `json:"running"`
}

// GPUInfo merges the probed device state with the reservation ledger.
type GPUInfo struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	TotalGB     float64 `json:"total_gb"`
	UsedGB      float64 `json:"used_gb"`
	FreeGB      float64 `json:"free_gb"`
	Temperature int     `json:"temperature_celsius"`
	Utilization float64 `json:"utilization_percent"`
	CPUOnly     bool    `json:"cpu_only,omitempty"`
	AllocatedGB float64 `json:"allocated_gb"`
	AvailableGB float64 `json:"available_gb"`
	Tasks       int     `json:"tasks"`
	MaxTasks    int     `json:"max_tasks"`
}

type GPUListResponse struct {
	Driver string    `json:"driver"`
	GPUs   []GPUInfo `json:"gpus"`
}

type ConcurrencyResponse struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

type SetConcurrencyRequest struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// OutputFile describes one rendered transcript on disk.
type OutputFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	Path     string `json:"path"`
}

type OutputsResponse struct {
	Files []OutputFile `json:"files"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
