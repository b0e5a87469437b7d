package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/example/whisperd/pkg/whisperapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "gpus":
		runGPUs(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: whisperctl <submit|status|cancel|queue|gpus|watch> [...]")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "whisperctl: "+format+"\n", args...)
	os.Exit(1)
}

func serverURL() string {
	if v := strings.TrimSpace(os.Getenv("WHISPERD_URL")); v != "" {
		return v
	}
	return "http://localhost:8090"
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	model := fs.String("model", "base", "whisper model name")
	language := fs.String("language", "auto", "source language code, or auto")
	formats := fs.String("formats", "txt", "comma-separated output formats: txt,srt,vtt,json")
	priority := fs.String("priority", "normal", "task priority: high|normal|low")
	gpuID := fs.Int("gpu", -1, "preferred gpu id, -1 for no preference")
	_ = fs.Parse(args)
	files := fs.Args()
	if len(files) == 0 {
		fatalf("usage: whisperctl submit [flags] <audio file> [more files...]")
	}

	req := whisperapi.SubmitTaskRequest{
		Files:         files,
		Model:         *model,
		Language:      *language,
		OutputFormats: splitList(*formats),
		Priority:      *priority,
	}
	if *gpuID >= 0 {
		req.PreferredGPU = gpuID
	}
	var resp whisperapi.SubmitTaskResponse
	doJSON(http.MethodPost, strings.TrimRight(*url, "/")+"/v1/tasks", req, &resp)
	fmt.Println(resp.TaskID)
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	_ = fs.Parse(args)
	id := fs.Arg(0)
	if id == "" {
		fatalf("usage: whisperctl status [flags] <task id>")
	}

	var st whisperapi.TaskStatusResponse
	doJSON(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/tasks/"+id, nil, &st)
	printJSON(st)
}

func runCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	_ = fs.Parse(args)
	id := fs.Arg(0)
	if id == "" {
		fatalf("usage: whisperctl cancel [flags] <task id>")
	}

	var resp whisperapi.CancelTaskResponse
	doJSON(http.MethodDelete, strings.TrimRight(*url, "/")+"/v1/tasks/"+id, nil, &resp)
	fmt.Printf("task %s: %s\n", resp.TaskID, resp.Status)
}

func runQueue(args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	_ = fs.Parse(args)

	var q whisperapi.QueueResponse
	doJSON(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/queue", nil, &q)
	fmt.Printf("pending %d running %d\n", len(q.Pending), len(q.Running))
	for _, t := range q.Running {
		fmt.Printf("  running  %s  %s  %s  %d%%\n", t.TaskID, t.Model, t.Status, t.Progress)
	}
	for _, t := range q.Pending {
		fmt.Printf("  pending  %s  %s  retries=%d\n", t.TaskID, t.Model, t.RetryCount)
	}
}

func runGPUs(args []string) {
	fs := flag.NewFlagSet("gpus", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	_ = fs.Parse(args)

	var g whisperapi.GPUListResponse
	doJSON(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/gpus", nil, &g)
	fmt.Printf("driver %s\n", g.Driver)
	for _, d := range g.GPUs {
		fmt.Printf("  gpu %d  %s  total=%.1fGB free=%.1fGB allocated=%.1fGB tasks=%d/%d\n",
			d.ID, d.Name, d.TotalGB, d.FreeGB, d.AllocatedGB, d.Tasks, d.MaxTasks)
	}
}

// runWatch tails the daemon's SSE stream and prints one line per event.
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	url := fs.String("url", serverURL(), "daemon base URL")
	task := fs.String("task", "", "only show events for this task id")
	heartbeats := fs.Bool("heartbeats", false, "include heartbeat events")
	_ = fs.Parse(args)

	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(*url, "/")+"/v1/events", nil)
	if err != nil {
		fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	setAuth(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fatalf("events stream returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Seq     int64           `json:"seq"`
			Type    string          `json:"type"`
			At      string          `json:"at"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "heartbeat" && !*heartbeats {
			continue
		}
		if *task != "" {
			var p struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(ev.Payload, &p) != nil || p.ID != *task {
				continue
			}
		}
		fmt.Printf("%s %s\n", ev.Type, string(ev.Payload))
	}
	if err := sc.Err(); err != nil {
		fatalf("stream ended: %v", err)
	}
}

// doJSON performs one API call. A nil in sends no body; a nil out discards
// the response. Non-2xx responses terminate the process with the server's
// error text.
func doJSON(method, url string, in, out any) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			fatalf("encode request: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fatalf("build request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	setAuth(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr whisperapi.ErrorResponse
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			fatalf("%s: %s", resp.Status, apiErr.Error)
		}
		fatalf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("decode response: %v", err)
		}
	}
}

func setAuth(req *http.Request) {
	if tok := strings.TrimSpace(os.Getenv("WHISPERD_API_TOKEN")); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(b))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
