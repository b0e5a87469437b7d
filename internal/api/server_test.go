package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/whisperd/internal/events"
	"github.com/example/whisperd/internal/gpu"
	"github.com/example/whisperd/internal/render"
	"github.com/example/whisperd/internal/scheduler"
	"github.com/example/whisperd/internal/state"
	"github.com/example/whisperd/pkg/whisperapi"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, state.Task) {}

type apiFixture struct {
	server *Server
	bus    *events.Bus
	rend   *render.Renderer
	driver *gpu.StaticDriver
	dir    string
}

// newAPIFixture wires the control surface over a real scheduler facade. No
// scheduling passes run, so submitted tasks stay Pending.
func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	bus := events.NewBus(events.BusOptions{})
	queue := state.NewTaskQueue(state.QueueOptions{Notify: bus.PublishTaskUpdate})
	driver := &gpu.StaticDriver{Devices: []gpu.Device{{ID: 0, Name: "RTX 4090", TotalGB: 24}}}
	pool := gpu.NewPool(driver.Devices, gpu.PoolOptions{ReservedSystemGB: 2})
	probe := gpu.NewProbe(driver, time.Minute)
	rend := render.New(filepath.Join(dir, "out"))
	engine := scheduler.New(queue, pool, probe, nopRunner{}, scheduler.Options{})
	return &apiFixture{
		server: NewServer(engine, bus, rend),
		bus:    bus,
		rend:   rend,
		driver: driver,
		dir:    dir,
	}
}

func (f *apiFixture) audio(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, []byte("riff"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func reqJSON(t *testing.T, h http.Handler, method, path string, reqBody any) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func mustReqJSON(t *testing.T, h http.Handler, method, path string, reqBody, respBody any) {
	t.Helper()
	w := reqJSON(t, h, method, path, reqBody)
	if w.Code >= 300 {
		t.Fatalf("request %s %s failed: status=%d body=%s", method, path, w.Code, w.Body.String())
	}
	if respBody != nil {
		if err := json.NewDecoder(w.Body).Decode(respBody); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func TestTaskLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	var submitted whisperapi.SubmitTaskResponse
	mustReqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
		Files:         []string{f.audio(t, "meeting.wav")},
		Model:         "base",
		OutputFormats: []string{"txt", "srt"},
	}, &submitted)
	if submitted.TaskID == "" || submitted.Status != state.TaskPending {
		t.Fatalf("submit response = %+v", submitted)
	}

	var status whisperapi.TaskStatusResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil, &status)
	if status.TaskID != submitted.TaskID || status.Model != "base" || status.GPU != nil {
		t.Fatalf("status response = %+v", status)
	}
	if status.Priority != state.PriorityNormal {
		t.Fatalf("priority = %q", status.Priority)
	}

	var cancelled whisperapi.CancelTaskResponse
	mustReqJSON(t, h, http.MethodDelete, "/v1/tasks/"+submitted.TaskID, nil, &cancelled)
	if !cancelled.Accepted || cancelled.Status != state.TaskFailed {
		t.Fatalf("cancel response = %+v", cancelled)
	}

	mustReqJSON(t, h, http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil, &status)
	if status.Error == nil || status.Error.Kind != string(state.ErrClientCancelled) {
		t.Fatalf("error after cancel = %+v", status.Error)
	}

	if w := reqJSON(t, h, http.MethodGet, "/v1/tasks/tsk-missing", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing task status = %d", w.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	w := reqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
		Files: []string{f.audio(t, "x.wav")},
		Model: "gpt-5",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown model status = %d body=%s", w.Code, w.Body.String())
	}
	var resp whisperapi.ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Kind != string(state.ErrInputInvalid) {
		t.Fatalf("kind = %q", resp.Kind)
	}

	if w := reqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{Model: "base"}); w.Code != http.StatusBadRequest {
		t.Fatalf("no files status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
}

func TestQueueEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	for _, name := range []string{"a.wav", "b.wav"} {
		mustReqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
			Files: []string{f.audio(t, name)},
			Model: "base",
		}, nil)
	}
	var queue whisperapi.QueueResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/queue", nil, &queue)
	if len(queue.Pending) != 2 || len(queue.Running) != 0 {
		t.Fatalf("queue = %d pending %d running", len(queue.Pending), len(queue.Running))
	}
}

func TestGPUEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	var gpus whisperapi.GPUListResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/gpus", nil, &gpus)
	if gpus.Driver != "static" || len(gpus.GPUs) != 1 {
		t.Fatalf("gpus = %+v", gpus)
	}
	if gpus.GPUs[0].Name != "RTX 4090" || gpus.GPUs[0].AllocatedGB != 0 {
		t.Fatalf("gpu view = %+v", gpus.GPUs[0])
	}

	calls := f.driver.Calls
	mustReqJSON(t, h, http.MethodPost, "/v1/gpus/refresh", nil, &gpus)
	if f.driver.Calls != calls+1 {
		t.Fatalf("refresh did not hit the driver: %d calls", f.driver.Calls)
	}
}

func TestConcurrencyEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	var got whisperapi.ConcurrencyResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/concurrency", nil, &got)
	if got.MaxConcurrentTasks != 3 {
		t.Fatalf("default concurrency = %d", got.MaxConcurrentTasks)
	}

	mustReqJSON(t, h, http.MethodPut, "/v1/concurrency", whisperapi.SetConcurrencyRequest{MaxConcurrentTasks: 99}, &got)
	if got.MaxConcurrentTasks != scheduler.MaxConcurrentTasks {
		t.Fatalf("clamped concurrency = %d", got.MaxConcurrentTasks)
	}
	mustReqJSON(t, h, http.MethodGet, "/v1/concurrency", nil, &got)
	if got.MaxConcurrentTasks != scheduler.MaxConcurrentTasks {
		t.Fatalf("persisted concurrency = %d", got.MaxConcurrentTasks)
	}

	if w := reqJSON(t, h, http.MethodPost, "/v1/concurrency", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("post status = %d", w.Code)
	}
}

func TestOutputsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	h := f.server.Handler()

	if _, err := f.rend.Render(state.FormatPlaintext, render.Result{
		TaskID:    "tsk-1",
		AudioPath: "demo.wav",
		Text:      "hello",
	}); err != nil {
		t.Fatalf("render: %v", err)
	}

	var outputs whisperapi.OutputsResponse
	mustReqJSON(t, h, http.MethodGet, "/v1/outputs", nil, &outputs)
	if len(outputs.Files) != 1 || outputs.Files[0].Name != "demo.txt" {
		t.Fatalf("outputs = %+v", outputs)
	}
	if outputs.Files[0].Size != int64(len("hello")) {
		t.Fatalf("size = %d", outputs.Files[0].Size)
	}
}

func TestBearerTokenGate(t *testing.T) {
	t.Setenv("WHISPERD_API_TOKENS", "sekret")
	f := newAPIFixture(t)
	h := f.server.Handler()

	if w := reqJSON(t, h, http.MethodGet, "/v1/queue", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d body=%s", rec.Code, rec.Body.String())
	}

	// Health stays open for probes.
	if w := reqJSON(t, h, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Setenv("WHISPERD_SUBMIT_RATE_LIMIT_PER_MIN", "1")
	f := newAPIFixture(t)
	h := f.server.Handler()

	mustReqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
		Files: []string{f.audio(t, "one.wav")},
		Model: "base",
	}, nil)
	w := reqJSON(t, h, http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
		Files: []string{f.audio(t, "two.wav")},
		Model: "base",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit status = %d", w.Code)
	}
}

func TestEventsStreamDeliversTaskUpdates(t *testing.T) {
	f := newAPIFixture(t)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// The subscriber is attached once the comment preamble arrives.
	waitLine(t, lines, func(l string) bool { return strings.HasPrefix(l, ": connected") })

	var submitted whisperapi.SubmitTaskResponse
	mustReqJSON(t, f.server.Handler(), http.MethodPost, "/v1/tasks", whisperapi.SubmitTaskRequest{
		Files: []string{f.audio(t, "stream.wav")},
		Model: "base",
	}, &submitted)

	waitLine(t, lines, func(l string) bool { return l == "event: task_update" })
	data := waitLine(t, lines, func(l string) bool { return strings.HasPrefix(l, "data: ") })

	var evt struct {
		Seq     int64            `json:"seq"`
		Type    string           `json:"type"`
		Payload events.TaskUpdate `json:"payload"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != string(events.TypeTaskUpdate) || evt.Payload.ID != submitted.TaskID {
		t.Fatalf("event = %+v", evt)
	}
	if evt.Payload.Status != state.TaskPending {
		t.Fatalf("payload status = %s", evt.Payload.Status)
	}
}

func waitLine(t *testing.T, lines <-chan string, match func(string) bool) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before expected line")
			}
			if match(l) {
				return l
			}
		case <-deadline:
			t.Fatal("timed out waiting for stream line")
		}
	}
}
