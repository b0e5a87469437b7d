package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/example/whisperd/internal/events"
	"github.com/example/whisperd/internal/observability"
	"github.com/example/whisperd/internal/render"
	"github.com/example/whisperd/internal/scheduler"
	"github.com/example/whisperd/internal/state"
	"github.com/example/whisperd/pkg/whisperapi"
)

// Server is the JSON control surface plus the SSE event stream. It talks to
// the scheduler facade and never reaches into queue or pool internals.
type Server struct {
	engine  *scheduler.Engine
	bus     *events.Bus
	rend    *render.Renderer
	auth    *authorizer
	limiter *submitLimiter
}

func NewServer(e *scheduler.Engine, bus *events.Bus, rend *render.Renderer) *Server {
	return &Server{
		engine:  e,
		bus:     bus,
		rend:    rend,
		auth:    newAuthorizerFromEnv(),
		limiter: newSubmitLimiterFromEnv(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/queue", s.handleQueue)
	mux.HandleFunc("/v1/gpus", s.handleGPUs)
	mux.HandleFunc("/v1/gpus/refresh", s.handleGPURefresh)
	mux.HandleFunc("/v1/concurrency", s.handleConcurrency)
	mux.HandleFunc("/v1/outputs", s.handleOutputs)
	mux.HandleFunc("/v1/events", s.handleEvents)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	var req whisperapi.SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.limiter.allow(time.Now().UTC()) {
		writeError(w, http.StatusTooManyRequests, "submit rate limit exceeded")
		return
	}
	spec := state.TaskSpec{
		Files:         req.Files,
		Model:         req.Model,
		Language:      req.Language,
		OutputFormats: req.OutputFormats,
		Priority:      req.Priority,
		PreferredGPU:  state.NoGPU,
	}
	if req.PreferredGPU != nil {
		spec.PreferredGPU = *req.PreferredGPU
	}
	task, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, whisperapi.SubmitTaskResponse{TaskID: task.ID, Status: task.Status})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		task, ok := s.engine.Status(id)
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, taskStatusPayload(task))
	case http.MethodDelete:
		task, ok := s.engine.Cancel(id)
		if !ok {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, whisperapi.CancelTaskResponse{
			TaskID:   id,
			Status:   task.Status,
			Accepted: true,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	pending, running := s.engine.ListQueue()
	resp := whisperapi.QueueResponse{
		Pending: make([]whisperapi.TaskStatusResponse, 0, len(pending)),
		Running: make([]whisperapi.TaskStatusResponse, 0, len(running)),
	}
	for _, t := range pending {
		resp.Pending = append(resp.Pending, taskStatusPayload(t))
	}
	for _, t := range running {
		resp.Running = append(resp.Running, taskStatusPayload(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	views, err := s.engine.GPUStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gpuListPayload(s.engine.DriverName(), views))
}

func (s *Server) handleGPURefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	views, err := s.engine.RefreshGPUs(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, gpuListPayload(s.engine.DriverName(), views))
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, whisperapi.ConcurrencyResponse{MaxConcurrentTasks: s.engine.Concurrency()})
	case http.MethodPut:
		var req whisperapi.SetConcurrencyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		applied := s.engine.SetConcurrency(req.MaxConcurrentTasks)
		writeJSON(w, http.StatusOK, whisperapi.ConcurrencyResponse{MaxConcurrentTasks: applied})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	files, err := s.rend.ListOutputs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := whisperapi.OutputsResponse{Files: make([]whisperapi.OutputFile, 0, len(files))}
	for _, f := range files {
		resp.Files = append(resp.Files, whisperapi.OutputFile{
			Name:     f.Name,
			Size:     f.Size,
			Modified: f.Modified.Format(time.RFC3339),
			Path:     f.Path,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams the bus over SSE. Each bus event becomes one SSE
// event named by its type; ring overflow surfaces as a compaction event
// injected by the subscriber itself.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	sub := s.bus.Subscribe()
	defer sub.Close()

	for {
		batch, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		for _, evt := range batch {
			if err := writeSSEEvent(w, string(evt.Type), evt); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	status, msg := s.auth.authorize(r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return false
	}
	return true
}

func taskStatusPayload(t state.Task) whisperapi.TaskStatusResponse {
	resp := whisperapi.TaskStatusResponse{
		TaskID:           t.ID,
		Status:           t.Status,
		Model:            t.Spec.Model,
		Language:         t.Spec.Language,
		Files:            t.Spec.Files,
		Priority:         t.Spec.Priority,
		Progress:         t.Progress,
		Message:          t.Message,
		DownloadProgress: t.DownloadProgress,
		RetryCount:       t.RetryCount,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
	}
	if t.GPU != state.NoGPU {
		g := t.GPU
		resp.GPU = &g
	}
	if !t.StartedAt.IsZero() {
		resp.StartedAt = t.StartedAt.Format(time.RFC3339)
	}
	if !t.EndedAt.IsZero() {
		resp.EndedAt = t.EndedAt.Format(time.RFC3339)
	}
	if t.ErrorKind != "" {
		resp.Error = &whisperapi.TaskError{Kind: string(t.ErrorKind), Message: t.ErrorMessage}
	}
	if t.Result != nil {
		resp.Results = make([]whisperapi.FileOutput, 0, len(t.Result.Files))
		for _, f := range t.Result.Files {
			resp.Results = append(resp.Results, whisperapi.FileOutput{
				File:             f.File,
				DetectedLanguage: f.DetectedLanguage,
				DurationSeconds:  f.DurationSeconds,
				Outputs:          f.Outputs,
			})
		}
	}
	return resp
}

func gpuListPayload(driver string, views []scheduler.GPUView) whisperapi.GPUListResponse {
	resp := whisperapi.GPUListResponse{
		Driver: driver,
		GPUs:   make([]whisperapi.GPUInfo, 0, len(views)),
	}
	for _, v := range views {
		resp.GPUs = append(resp.GPUs, whisperapi.GPUInfo{
			ID:          v.ID,
			Name:        v.Name,
			TotalGB:     v.TotalGB,
			UsedGB:      v.UsedGB,
			FreeGB:      v.FreeGB,
			Temperature: v.Temperature,
			Utilization: v.Utilization,
			CPUOnly:     v.CPUOnly,
			AllocatedGB: v.Pool.AllocatedGB,
			AvailableGB: v.Pool.AvailableGB,
			Tasks:       v.Pool.Tasks,
			MaxTasks:    v.Pool.MaxTasks,
		})
	}
	return resp
}

func writeTaskError(w http.ResponseWriter, err error) {
	kind := state.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case state.ErrInputInvalid:
		status = http.StatusBadRequest
	case state.ErrResourceUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, whisperapi.ErrorResponse{Error: err.Error(), Kind: string(kind)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, whisperapi.ErrorResponse{Error: msg})
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + event + "\n")); err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: " + string(b) + "\n\n")); err != nil {
		return err
	}
	return nil
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
