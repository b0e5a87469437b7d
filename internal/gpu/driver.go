package gpu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Device is a read-mostly accelerator snapshot. Consumers never mutate one;
// the probe replaces whole slices on refresh.
type Device struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	TotalGB     float64   `json:"total_gb"`
	UsedGB      float64   `json:"used_gb"`
	FreeGB      float64   `json:"free_gb"`
	Temperature int       `json:"temperature_celsius"`
	Utilization float64   `json:"utilization_percent"`
	CPUOnly     bool      `json:"cpu_only,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Driver discovers accelerators. Memory, temperature and utilization are
// folded into the Discover snapshot because every backing tool answers them
// in a single query anyway.
type Driver interface {
	Name() string
	Discover(ctx context.Context) ([]Device, error)
}

// NvidiaSMI reads device state through the nvidia-smi CLI. The exec hook is
// replaceable in tests.
type NvidiaSMI struct {
	Bin string
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewNvidiaSMI(bin string) *NvidiaSMI {
	if bin == "" {
		bin = "nvidia-smi"
	}
	return &NvidiaSMI{Bin: bin}
}

func (d *NvidiaSMI) Name() string { return "nvidia-smi" }

func (d *NvidiaSMI) run(ctx context.Context, args ...string) ([]byte, error) {
	if d.Run != nil {
		return d.Run(ctx, d.Bin, args...)
	}
	return exec.CommandContext(ctx, d.Bin, args...).Output()
}

func (d *NvidiaSMI) Discover(ctx context.Context) ([]Device, error) {
	out, err := d.run(ctx,
		"--query-gpu=index,name,memory.total,memory.used,memory.free,temperature.gpu,utilization.gpu",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query: %w", err)
	}
	now := time.Now().UTC()
	var devices []Device
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		dev, err := parseSMILine(line, now)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("nvidia-smi reported no devices")
	}
	return devices, nil
}

// parseSMILine parses one CSV row of the query above. Memory values arrive
// in MiB; [N/A] fields read as zero.
func parseSMILine(line string, now time.Time) (Device, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 7 {
		return Device{}, fmt.Errorf("nvidia-smi: unexpected row %q", line)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return Device{}, fmt.Errorf("nvidia-smi: bad index in %q: %w", line, err)
	}
	mib := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v / 1024.0
	}
	num := func(s string) float64 {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	return Device{
		ID:          id,
		Name:        fields[1],
		TotalGB:     mib(fields[2]),
		UsedGB:      mib(fields[3]),
		FreeGB:      mib(fields[4]),
		Temperature: int(num(fields[5])),
		Utilization: num(fields[6]),
		UpdatedAt:   now,
	}, nil
}

// CPUFallback presents the host as a single logical accelerator backed by
// system RAM. Used when no GPU is discoverable.
type CPUFallback struct {
	// MeminfoPath overrides /proc/meminfo in tests.
	MeminfoPath string
}

func (d *CPUFallback) Name() string { return "cpu" }

func (d *CPUFallback) Discover(_ context.Context) ([]Device, error) {
	totalGB, availGB := hostMemoryGB(d.MeminfoPath)
	return []Device{{
		ID:        0,
		Name:      fmt.Sprintf("cpu (%d cores)", runtime.NumCPU()),
		TotalGB:   totalGB,
		UsedGB:    totalGB - availGB,
		FreeGB:    availGB,
		CPUOnly:   true,
		UpdatedAt: time.Now().UTC(),
	}}, nil
}

// hostMemoryGB reads MemTotal/MemAvailable from /proc/meminfo, in GB.
// On non-Linux hosts both come back zero; callers treat that as unknown.
func hostMemoryGB(path string) (float64, float64) {
	if path == "" {
		path = "/proc/meminfo"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0
	}
	var totalKB, availKB float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	return totalKB / 1024 / 1024, availKB / 1024 / 1024
}

// StaticDriver serves a fixed device list, for tests.
type StaticDriver struct {
	Devices []Device
	Err     error
	Calls   int
}

func (d *StaticDriver) Name() string { return "static" }

func (d *StaticDriver) Discover(_ context.Context) ([]Device, error) {
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]Device, len(d.Devices))
	copy(out, d.Devices)
	return out, nil
}

// Detect picks a driver per the configured mode: "nvidia" and "cpu" force a
// backend, "auto" probes nvidia-smi once and falls back to the CPU device.
func Detect(ctx context.Context, mode, smiBin string) (Driver, bool) {
	switch mode {
	case "nvidia":
		return NewNvidiaSMI(smiBin), false
	case "cpu":
		return &CPUFallback{}, true
	default:
		smi := NewNvidiaSMI(smiBin)
		if _, err := smi.Discover(ctx); err == nil {
			return smi, false
		}
		return &CPUFallback{}, true
	}
}
