package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HardConcurrencyLimit is the ceiling for MaxConcurrentTasks, both at load
// time and through the runtime setter.
const HardConcurrencyLimit = 20

// Config is the immutable orchestrator configuration, resolved once at
// startup. Runtime mutation is limited to the concurrency setter on the
// engine; the record itself is never written after Load.
type Config struct {
	MaxConcurrentTasks   int
	MaxTasksPerGPU       int
	MaxMemoryUtilization float64
	ConfidenceFactor     float64
	CalibrationSamples   int
	ReservedMemoryGB     float64

	SchedulerTick  time.Duration
	GPUSnapshotTTL time.Duration
	MaxRetries     int
	TaskTimeout    time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	StandardAudioSeconds float64
	DurationFactorSlope  float64

	Port         string
	OutputDir    string
	ModelDir     string
	Engine       string
	WhisperBin   string
	FFprobeBin   string
	Driver       string
	NvidiaSMIBin string

	ArtifactBackend string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
}

// fileConfig mirrors the optional YAML overlay pointed at by WHISPERD_CONFIG.
// Environment variables override file values; file values override defaults.
type fileConfig struct {
	MaxConcurrentTasks   *int     `yaml:"max_concurrent_tasks"`
	MaxTasksPerGPU       *int     `yaml:"max_tasks_per_gpu"`
	MaxMemoryUtilization *float64 `yaml:"max_memory_utilization"`
	ConfidenceFactor     *float64 `yaml:"memory_confidence_factor"`
	CalibrationSamples   *int     `yaml:"calibration_sample_size"`
	ReservedMemoryGB     *float64 `yaml:"reserved_memory_gb"`
	SchedulerTickMS      *int     `yaml:"scheduler_tick_ms"`
	GPUSnapshotTTLMS     *int     `yaml:"gpu_snapshot_ttl_ms"`
	MaxRetries           *int     `yaml:"max_retries"`
	TaskTimeoutSec       *int     `yaml:"task_timeout_sec"`
	HeartbeatIntervalMS  *int     `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS   *int     `yaml:"heartbeat_timeout_ms"`
	StandardAudioSec     *float64 `yaml:"standard_audio_sec"`
	DurationFactorSlope  *float64 `yaml:"duration_factor_slope"`
	Port                 *string  `yaml:"port"`
	OutputDir            *string  `yaml:"output_dir"`
	ModelDir             *string  `yaml:"model_dir"`
	Engine               *string  `yaml:"engine"`
	WhisperBin           *string  `yaml:"whisper_bin"`
	FFprobeBin           *string  `yaml:"ffprobe_bin"`
	Driver               *string  `yaml:"driver"`
	NvidiaSMIBin         *string  `yaml:"nvidia_smi_bin"`
	ArtifactBackend      *string  `yaml:"artifact_backend"`
	MinIOEndpoint        *string  `yaml:"minio_endpoint"`
	MinIOAccessKey       *string  `yaml:"minio_access_key"`
	MinIOSecretKey       *string  `yaml:"minio_secret_key"`
	MinIOBucket          *string  `yaml:"minio_bucket"`
	MinIOUseSSL          *bool    `yaml:"minio_use_ssl"`
}

// Defaults returns the configuration with every knob at its documented default.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		MaxConcurrentTasks:   3,
		MaxTasksPerGPU:       5,
		MaxMemoryUtilization: 0.9,
		ConfidenceFactor:     1.2,
		CalibrationSamples:   50,
		ReservedMemoryGB:     1.0,
		SchedulerTick:        2 * time.Second,
		GPUSnapshotTTL:       30 * time.Second,
		MaxRetries:           3,
		TaskTimeout:          time.Hour,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     120 * time.Second,
		StandardAudioSeconds: 180,
		DurationFactorSlope:  0.3,
		Port:                 "8090",
		OutputDir:            "outputs",
		ModelDir:             filepath.Join(home, ".cache", "whisper"),
		Engine:               "stub",
		WhisperBin:           "whisper-cli",
		FFprobeBin:           "ffprobe",
		Driver:               "auto",
		NvidiaSMIBin:         "nvidia-smi",
		ArtifactBackend:      "local",
		MinIOBucket:          "whisperd-artifacts",
	}
}

// Load resolves the configuration: defaults, then the optional YAML file from
// WHISPERD_CONFIG, then WHISPERD_* environment variables, then validation.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("WHISPERD_CONFIG")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	setInt(&cfg.MaxConcurrentTasks, fc.MaxConcurrentTasks)
	setInt(&cfg.MaxTasksPerGPU, fc.MaxTasksPerGPU)
	setFloat(&cfg.MaxMemoryUtilization, fc.MaxMemoryUtilization)
	setFloat(&cfg.ConfidenceFactor, fc.ConfidenceFactor)
	setInt(&cfg.CalibrationSamples, fc.CalibrationSamples)
	setFloat(&cfg.ReservedMemoryGB, fc.ReservedMemoryGB)
	setMillis(&cfg.SchedulerTick, fc.SchedulerTickMS)
	setMillis(&cfg.GPUSnapshotTTL, fc.GPUSnapshotTTLMS)
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setSeconds(&cfg.TaskTimeout, fc.TaskTimeoutSec)
	setMillis(&cfg.HeartbeatInterval, fc.HeartbeatIntervalMS)
	setMillis(&cfg.HeartbeatTimeout, fc.HeartbeatTimeoutMS)
	setFloat(&cfg.StandardAudioSeconds, fc.StandardAudioSec)
	setFloat(&cfg.DurationFactorSlope, fc.DurationFactorSlope)
	setString(&cfg.Port, fc.Port)
	setString(&cfg.OutputDir, fc.OutputDir)
	setString(&cfg.ModelDir, fc.ModelDir)
	setString(&cfg.Engine, fc.Engine)
	setString(&cfg.WhisperBin, fc.WhisperBin)
	setString(&cfg.FFprobeBin, fc.FFprobeBin)
	setString(&cfg.Driver, fc.Driver)
	setString(&cfg.NvidiaSMIBin, fc.NvidiaSMIBin)
	setString(&cfg.ArtifactBackend, fc.ArtifactBackend)
	setString(&cfg.MinIOEndpoint, fc.MinIOEndpoint)
	setString(&cfg.MinIOAccessKey, fc.MinIOAccessKey)
	setString(&cfg.MinIOSecretKey, fc.MinIOSecretKey)
	setString(&cfg.MinIOBucket, fc.MinIOBucket)
	if fc.MinIOUseSSL != nil {
		cfg.MinIOUseSSL = *fc.MinIOUseSSL
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.MaxConcurrentTasks = getenvInt("WHISPERD_MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks)
	cfg.MaxTasksPerGPU = getenvInt("WHISPERD_MAX_TASKS_PER_GPU", cfg.MaxTasksPerGPU)
	cfg.MaxMemoryUtilization = getenvFloat("WHISPERD_MAX_MEMORY_UTILIZATION", cfg.MaxMemoryUtilization)
	cfg.ConfidenceFactor = getenvFloat("WHISPERD_MEMORY_CONFIDENCE_FACTOR", cfg.ConfidenceFactor)
	cfg.CalibrationSamples = getenvInt("WHISPERD_CALIBRATION_SAMPLE_SIZE", cfg.CalibrationSamples)
	cfg.ReservedMemoryGB = getenvFloat("WHISPERD_RESERVED_MEMORY_GB", cfg.ReservedMemoryGB)
	cfg.SchedulerTick = getenvMillis("WHISPERD_SCHEDULER_TICK_MS", cfg.SchedulerTick)
	cfg.GPUSnapshotTTL = getenvMillis("WHISPERD_GPU_SNAPSHOT_TTL_MS", cfg.GPUSnapshotTTL)
	cfg.MaxRetries = getenvInt("WHISPERD_MAX_RETRIES", cfg.MaxRetries)
	cfg.TaskTimeout = getenvSeconds("WHISPERD_TASK_TIMEOUT_SEC", cfg.TaskTimeout)
	cfg.HeartbeatInterval = getenvMillis("WHISPERD_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = getenvMillis("WHISPERD_HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.StandardAudioSeconds = getenvFloat("WHISPERD_STANDARD_AUDIO_SEC", cfg.StandardAudioSeconds)
	cfg.DurationFactorSlope = getenvFloat("WHISPERD_DURATION_FACTOR_SLOPE", cfg.DurationFactorSlope)
	cfg.Port = getenv("WHISPERD_PORT", cfg.Port)
	cfg.OutputDir = getenv("WHISPERD_OUTPUT_DIR", cfg.OutputDir)
	cfg.ModelDir = getenv("WHISPERD_MODEL_DIR", cfg.ModelDir)
	cfg.Engine = strings.ToLower(getenv("WHISPERD_ENGINE", cfg.Engine))
	cfg.WhisperBin = getenv("WHISPERD_WHISPER_BIN", cfg.WhisperBin)
	cfg.FFprobeBin = getenv("WHISPERD_FFPROBE_BIN", cfg.FFprobeBin)
	cfg.Driver = strings.ToLower(getenv("WHISPERD_DRIVER", cfg.Driver))
	cfg.NvidiaSMIBin = getenv("WHISPERD_NVIDIA_SMI_BIN", cfg.NvidiaSMIBin)
	cfg.ArtifactBackend = strings.ToLower(getenv("WHISPERD_ARTIFACT_BACKEND", cfg.ArtifactBackend))
	cfg.MinIOEndpoint = getenv("WHISPERD_MINIO_ENDPOINT", cfg.MinIOEndpoint)
	cfg.MinIOAccessKey = getenv("WHISPERD_MINIO_ACCESS_KEY", cfg.MinIOAccessKey)
	cfg.MinIOSecretKey = getenv("WHISPERD_MINIO_SECRET_KEY", cfg.MinIOSecretKey)
	cfg.MinIOBucket = getenv("WHISPERD_MINIO_BUCKET", cfg.MinIOBucket)
	cfg.MinIOUseSSL = getenvBool("WHISPERD_MINIO_USE_SSL", cfg.MinIOUseSSL)
}

// Validate checks ranges from the configuration table. MaxConcurrentTasks is
// clamped rather than rejected, matching the runtime setter.
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		c.MaxConcurrentTasks = 1
	}
	if c.MaxConcurrentTasks > HardConcurrencyLimit {
		c.MaxConcurrentTasks = HardConcurrencyLimit
	}
	if c.MaxTasksPerGPU < 1 {
		return fmt.Errorf("max_tasks_per_gpu must be >= 1, got %d", c.MaxTasksPerGPU)
	}
	if c.MaxMemoryUtilization <= 0 || c.MaxMemoryUtilization > 1 {
		return fmt.Errorf("max_memory_utilization must be in (0,1], got %g", c.MaxMemoryUtilization)
	}
	if c.ConfidenceFactor <= 0 {
		return fmt.Errorf("memory_confidence_factor must be > 0, got %g", c.ConfidenceFactor)
	}
	if c.CalibrationSamples < 1 {
		return fmt.Errorf("calibration_sample_size must be >= 1, got %d", c.CalibrationSamples)
	}
	if c.ReservedMemoryGB < 0 {
		return fmt.Errorf("reserved_memory_gb must be >= 0, got %g", c.ReservedMemoryGB)
	}
	if c.SchedulerTick <= 0 || c.GPUSnapshotTTL <= 0 || c.TaskTimeout <= 0 {
		return fmt.Errorf("scheduler tick, snapshot ttl and task timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.StandardAudioSeconds <= 0 {
		return fmt.Errorf("standard_audio_sec must be > 0, got %g", c.StandardAudioSeconds)
	}
	if c.DurationFactorSlope < 0 {
		return fmt.Errorf("duration_factor_slope must be >= 0, got %g", c.DurationFactorSlope)
	}
	switch c.Engine {
	case "stub", "whispercli":
	default:
		return fmt.Errorf("unknown engine %q (want stub or whispercli)", c.Engine)
	}
	switch c.Driver {
	case "auto", "nvidia", "cpu":
	default:
		return fmt.Errorf("unknown driver %q (want auto, nvidia or cpu)", c.Driver)
	}
	switch c.ArtifactBackend {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown artifact backend %q (want local or minio)", c.ArtifactBackend)
	}
	if c.ArtifactBackend == "minio" && strings.TrimSpace(c.MinIOEndpoint) == "" {
		return fmt.Errorf("minio endpoint is required when artifact backend is minio")
	}
	return nil
}

// ClampConcurrency folds an arbitrary requested value into [1, HardConcurrencyLimit].
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > HardConcurrencyLimit {
		return HardConcurrencyLimit
	}
	return n
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func setSeconds(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Second
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

func getenvMillis(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func getenvSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
