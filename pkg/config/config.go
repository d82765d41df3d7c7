package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration. Zero values are filled in by
// Default; a loaded file only needs to override what it cares about.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	Log         LogConfig         `yaml:"log"`
	Bus         BusConfig         `yaml:"bus"`
	Queue       QueueConfig       `yaml:"queue"`
	Worker      WorkerConfig      `yaml:"worker"`
	Scan        ScanConfig        `yaml:"scan"`
	Retry       RetryConfig       `yaml:"retry"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"json"`
}

// BusConfig controls the event bus.
type BusConfig struct {
	// WindowSize bounds the per-scan in-flight delivery window; a full
	// window applies cooperative backpressure to publishers.
	WindowSize int `yaml:"window_size"`

	// PublishTimeout bounds how long a publish may block on backpressure.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// MaxSyncDepth bounds recursive publishes from SyncInline handlers.
	MaxSyncDepth int `yaml:"max_sync_depth"`
}

// LanePolicy selects the backpressure behavior for one queue lane.
type LanePolicy string

const (
	PolicyBlock      LanePolicy = "block"
	PolicyReject     LanePolicy = "reject"
	PolicyDropOldest LanePolicy = "drop_oldest"
)

// LaneConfig configures one priority lane.
type LaneConfig struct {
	Capacity int        `yaml:"capacity"`
	Weight   int        `yaml:"weight"`
	Policy   LanePolicy `yaml:"policy"`
}

// QueueConfig controls the three-lane scan queue.
type QueueConfig struct {
	High   LaneConfig `yaml:"high"`
	Normal LaneConfig `yaml:"normal"`
	Low    LaneConfig `yaml:"low"`

	// EnqueueTimeout is the default deadline for BLOCK-policy enqueues.
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`

	// PressureThresholds in (0,1]; crossing one fires registered callbacks.
	PressureThresholds []float64 `yaml:"pressure_thresholds"`
}

// WorkerConfig controls the shared worker pool.
type WorkerConfig struct {
	// CountMultiplier sizes the pool as host CPU count times this value.
	CountMultiplier int `yaml:"count_multiplier"`

	// Count overrides the computed size when > 0.
	Count int `yaml:"count"`

	// TaskBuffer is the bounded task channel depth.
	TaskBuffer int `yaml:"task_buffer"`

	// SoftTimeout escalates to handler cancellation when it expires.
	SoftTimeout time.Duration `yaml:"soft_timeout"`

	// HardTimeout abandons a handler that ignored cancellation.
	HardTimeout time.Duration `yaml:"hard_timeout"`
}

// ScanConfig controls scan lifecycle behavior.
type ScanConfig struct {
	// QuietWindow is how long in-flight work must stay at zero before the
	// scan is considered quiescent.
	QuietWindow time.Duration `yaml:"quiet_window"`

	// AbortGrace bounds total shutdown time on Stop.
	AbortGrace time.Duration `yaml:"abort_grace"`
}

// RetryConfig controls the retry layer.
type RetryConfig struct {
	// Ceiling is the global maximum attempt count.
	Ceiling int `yaml:"ceiling"`

	// CategoryCeilings overrides the ceiling per error category.
	CategoryCeilings map[string]int `yaml:"category_ceilings"`

	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Cap    time.Duration `yaml:"cap"`
}

// TelemetryConfig controls the error telemetry store.
type TelemetryConfig struct {
	RingSize int             `yaml:"ring_size"`
	Windows  []time.Duration `yaml:"windows"`
}

// CoordinatorConfig controls the multi-node distribution layer.
type CoordinatorConfig struct {
	NodeID   string   `yaml:"node_id"`
	BindAddr string   `yaml:"bind_addr"`
	Endpoint string   `yaml:"endpoint"`
	Capacity int      `yaml:"capacity"`
	Tags     []string `yaml:"tags"`

	Strategy string `yaml:"strategy"` // least_loaded, round_robin, hash_based, random

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	MissThreshold      int           `yaml:"miss_threshold"`
	AssignmentDeadline time.Duration `yaml:"assignment_deadline"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		DataDir: "/var/lib/spiderfoot",
		Log: LogConfig{
			Level: "info",
		},
		Bus: BusConfig{
			WindowSize:     1024,
			PublishTimeout: 5 * time.Second,
			MaxSyncDepth:   32,
		},
		Queue: QueueConfig{
			High:               LaneConfig{Capacity: 1024, Weight: 4, Policy: PolicyBlock},
			Normal:             LaneConfig{Capacity: 2048, Weight: 2, Policy: PolicyBlock},
			Low:                LaneConfig{Capacity: 4096, Weight: 1, Policy: PolicyBlock},
			EnqueueTimeout:     5 * time.Second,
			PressureThresholds: []float64{0.75, 0.9},
		},
		Worker: WorkerConfig{
			CountMultiplier: 4,
			TaskBuffer:      256,
			SoftTimeout:     2 * time.Minute,
			HardTimeout:     5 * time.Minute,
		},
		Scan: ScanConfig{
			QuietWindow: 2 * time.Second,
			AbortGrace:  30 * time.Second,
		},
		Retry: RetryConfig{
			Ceiling: 5,
			Base:    500 * time.Millisecond,
			Factor:  2,
			Cap:     30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			RingSize: 10000,
			Windows:  []time.Duration{time.Minute, 5 * time.Minute, time.Hour},
		},
		Coordinator: CoordinatorConfig{
			Capacity:           10,
			Strategy:           "least_loaded",
			HeartbeatInterval:  5 * time.Second,
			MissThreshold:      3,
			AssignmentDeadline: 10 * time.Minute,
		},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Bus.WindowSize <= 0 {
		return fmt.Errorf("bus.window_size must be positive, got %d", c.Bus.WindowSize)
	}
	if c.Bus.MaxSyncDepth <= 0 {
		return fmt.Errorf("bus.max_sync_depth must be positive, got %d", c.Bus.MaxSyncDepth)
	}
	for _, lane := range []struct {
		name string
		cfg  LaneConfig
	}{
		{"high", c.Queue.High},
		{"normal", c.Queue.Normal},
		{"low", c.Queue.Low},
	} {
		if lane.cfg.Capacity <= 0 {
			return fmt.Errorf("queue.%s.capacity must be positive, got %d", lane.name, lane.cfg.Capacity)
		}
		if lane.cfg.Weight <= 0 {
			return fmt.Errorf("queue.%s.weight must be positive, got %d", lane.name, lane.cfg.Weight)
		}
		switch lane.cfg.Policy {
		case PolicyBlock, PolicyReject, PolicyDropOldest:
		default:
			return fmt.Errorf("queue.%s.policy %q is not one of block, reject, drop_oldest", lane.name, lane.cfg.Policy)
		}
	}
	for _, th := range c.Queue.PressureThresholds {
		if th <= 0 || th > 1 {
			return fmt.Errorf("queue.pressure_thresholds entries must be in (0,1], got %v", th)
		}
	}
	if c.Scan.QuietWindow <= 0 {
		return fmt.Errorf("scan.quiet_window must be positive, got %v", c.Scan.QuietWindow)
	}
	if c.Scan.AbortGrace <= 0 {
		return fmt.Errorf("scan.abort_grace must be positive, got %v", c.Scan.AbortGrace)
	}
	if c.Retry.Ceiling <= 0 {
		return fmt.Errorf("retry.ceiling must be positive, got %d", c.Retry.Ceiling)
	}
	if c.Retry.Factor < 1 {
		return fmt.Errorf("retry.factor must be >= 1, got %v", c.Retry.Factor)
	}
	if c.Telemetry.RingSize <= 0 {
		return fmt.Errorf("telemetry.ring_size must be positive, got %d", c.Telemetry.RingSize)
	}
	if c.Coordinator.MissThreshold <= 0 {
		return fmt.Errorf("coordinator.miss_threshold must be positive, got %d", c.Coordinator.MissThreshold)
	}
	switch c.Coordinator.Strategy {
	case "least_loaded", "round_robin", "hash_based", "random":
	default:
		return fmt.Errorf("coordinator.strategy %q is not a known placement strategy", c.Coordinator.Strategy)
	}
	return nil
}

// WorkerCount resolves the effective pool size.
func (c *Config) WorkerCount() int {
	if c.Worker.Count > 0 {
		return c.Worker.Count
	}
	mult := c.Worker.CountMultiplier
	if mult <= 0 {
		mult = 4
	}
	return runtime.NumCPU() * mult
}
