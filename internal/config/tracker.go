package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/banshee-data/marker.tracker/internal/board"
	"github.com/banshee-data/marker.tracker/internal/camera"
	"github.com/banshee-data/marker.tracker/internal/imagecodec"
	"github.com/banshee-data/marker.tracker/internal/pnp"
	"github.com/banshee-data/marker.tracker/internal/pose"
	"github.com/banshee-data/marker.tracker/internal/tracker/local"
	"github.com/banshee-data/marker.tracker/internal/tracker/sidecar"
)

// DefaultConfigPath is the path to the canonical tracker defaults file.
const DefaultConfigPath = "config/tracker.defaults.json"

// EnvPrefix prefixes environment overrides, e.g. MARKERTRACK_SIDECAR_ADDRESS.
const EnvPrefix = "MARKERTRACK"

// maxFileSize bounds the config file.
const maxFileSize = 1 * 1024 * 1024 // 1MB

// TrackerConfig is the root configuration for the tracker command.
type TrackerConfig struct {
	Mode     string `json:"mode" mapstructure:"mode"`
	DeviceID string `json:"device_id" mapstructure:"device_id"`
	Debug    bool   `json:"debug" mapstructure:"debug"`

	// MarkerTimeout is how long a pose stays detected without updates.
	MarkerTimeout time.Duration `json:"marker_timeout" mapstructure:"marker_timeout"`

	Camera  CameraConfig  `json:"camera" mapstructure:"camera"`
	Local   LocalConfig   `json:"local" mapstructure:"local"`
	Sidecar SidecarConfig `json:"sidecar" mapstructure:"sidecar"`
	History HistoryConfig `json:"history" mapstructure:"history"`
}

// CameraConfig selects the frame source.
type CameraConfig struct {
	Driver    string        `json:"driver" mapstructure:"driver"`
	FrameRate float64       `json:"frame_rate" mapstructure:"frame_rate"`
	Jitter    time.Duration `json:"jitter" mapstructure:"jitter"`
}

// LocalConfig tunes the on-device engine.
type LocalConfig struct {
	QueueSize  int               `json:"queue_size" mapstructure:"queue_size"`
	Stream     string            `json:"stream" mapstructure:"stream"`
	Solve      pnp.Options       `json:"solve" mapstructure:"solve"`
	Intrinsics camera.Intrinsics `json:"intrinsics" mapstructure:"intrinsics"`
	// Boards defaults to the probe and instrument boards when empty.
	Boards []board.Spec `json:"boards" mapstructure:"boards"`
}

// SidecarConfig tunes the remote engine and its supervisor.
type SidecarConfig struct {
	Address       string             `json:"address" mapstructure:"address"`
	LUTPath       string             `json:"lut_path" mapstructure:"lut_path"`
	IDs           []int              `json:"ids" mapstructure:"ids"`
	LoopDuration  time.Duration      `json:"loop_duration" mapstructure:"loop_duration"`
	MaxSync       time.Duration      `json:"max_sync" mapstructure:"max_sync"`
	CallTimeout   time.Duration      `json:"call_timeout" mapstructure:"call_timeout"`
	StopTimeout   time.Duration      `json:"stop_timeout" mapstructure:"stop_timeout"`
	RetryInterval time.Duration      `json:"retry_interval" mapstructure:"retry_interval"`
	Codec         imagecodec.Options `json:"codec" mapstructure:"codec"`
	Left          string             `json:"left" mapstructure:"left"`
	Right         string             `json:"right" mapstructure:"right"`
}

// HistoryConfig controls the pose history recorder.
type HistoryConfig struct {
	Enabled    bool    `json:"enabled" mapstructure:"enabled"`
	Path       string  `json:"path" mapstructure:"path"`
	SampleRate float64 `json:"sample_rate" mapstructure:"sample_rate"`
}

// setDefaults mirrors config/tracker.defaults.json so partial files and
// env-only setups are complete.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "local")
	v.SetDefault("device_id", "")
	v.SetDefault("debug", false)
	v.SetDefault("marker_timeout", pose.DefaultTimeout.String())

	v.SetDefault("camera.driver", "synthetic")
	v.SetDefault("camera.frame_rate", 30.0)
	v.SetDefault("camera.jitter", "0s")

	solve := pnp.DefaultOptions()
	intr := camera.DefaultIntrinsics()
	v.SetDefault("local.queue_size", 4)
	v.SetDefault("local.stream", string(camera.StreamPhotoVideo))
	v.SetDefault("local.solve.max_iterations", solve.MaxIterations)
	v.SetDefault("local.solve.epsilon", solve.Epsilon)
	v.SetDefault("local.intrinsics.fx", intr.Fx)
	v.SetDefault("local.intrinsics.fy", intr.Fy)
	v.SetDefault("local.intrinsics.cx", intr.Cx)
	v.SetDefault("local.intrinsics.cy", intr.Cy)
	v.SetDefault("local.intrinsics.k1", intr.K1)
	v.SetDefault("local.intrinsics.k2", intr.K2)
	v.SetDefault("local.intrinsics.k3", intr.K3)
	v.SetDefault("local.intrinsics.p1", intr.P1)
	v.SetDefault("local.intrinsics.p2", intr.P2)
	v.SetDefault("local.intrinsics.width", intr.Width)
	v.SetDefault("local.intrinsics.height", intr.Height)

	codec := imagecodec.DefaultOptions()
	v.SetDefault("sidecar.address", "localhost:50052")
	v.SetDefault("sidecar.lut_path", "")
	v.SetDefault("sidecar.ids", []int{board.ProbeMarkerID, board.InstrumentMarkerID})
	v.SetDefault("sidecar.loop_duration", "20ms")
	v.SetDefault("sidecar.max_sync", "10ms")
	v.SetDefault("sidecar.call_timeout", "5s")
	v.SetDefault("sidecar.stop_timeout", "2s")
	v.SetDefault("sidecar.retry_interval", "2s")
	v.SetDefault("sidecar.codec.format", codec.Format)
	v.SetDefault("sidecar.codec.jpeg_quality", codec.JPEGQuality)
	v.SetDefault("sidecar.codec.gzip_level", codec.GzipLevel)
	v.SetDefault("sidecar.left", string(camera.StreamLeft))
	v.SetDefault("sidecar.right", string(camera.StreamRight))

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "pose_history.db")
	v.SetDefault("history.sample_rate", 10.0)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in configuration with environment overrides
// applied. It does not read any file.
func Default() (*TrackerConfig, error) {
	return decode(newViper())
}

// LoadTrackerConfig loads a TrackerConfig from a JSON file. The file must
// have a .json extension and be under 1MB. Keys omitted from the file keep
// their defaults and MARKERTRACK_ environment variables override both.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	v := newViper()
	v.SetConfigFile(cleanPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*TrackerConfig, error) {
	cfg := &TrackerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded, intended for
// test setup.
func MustLoadDefaultConfig() *TrackerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/tracker/local/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TrackerConfig) Validate() error {
	switch c.Mode {
	case "local", "sidecar":
	default:
		return fmt.Errorf("mode must be local or sidecar, got %q", c.Mode)
	}
	if c.MarkerTimeout <= 0 {
		return fmt.Errorf("marker_timeout must be positive, got %v", c.MarkerTimeout)
	}

	if c.Camera.Driver != "synthetic" {
		return fmt.Errorf("camera.driver %q is not supported", c.Camera.Driver)
	}
	if c.Camera.FrameRate <= 0 {
		return fmt.Errorf("camera.frame_rate must be positive, got %v", c.Camera.FrameRate)
	}
	if c.Camera.Jitter < 0 {
		return fmt.Errorf("camera.jitter must be non-negative, got %v", c.Camera.Jitter)
	}

	if c.Local.QueueSize < 1 {
		return fmt.Errorf("local.queue_size must be at least 1, got %d", c.Local.QueueSize)
	}
	if err := c.Local.Solve.Validate(); err != nil {
		return fmt.Errorf("local.solve: %w", err)
	}
	if err := c.Local.Intrinsics.Validate(); err != nil {
		return fmt.Errorf("local.intrinsics: %w", err)
	}
	for _, spec := range c.Local.Boards {
		if _, err := board.New(spec); err != nil {
			return fmt.Errorf("local.boards: %w", err)
		}
	}

	if c.Mode == "sidecar" && c.Sidecar.Address == "" {
		return errors.New("sidecar.address is required in sidecar mode")
	}
	if len(c.Sidecar.IDs) == 0 {
		return errors.New("sidecar.ids must list at least one marker id")
	}
	if c.Sidecar.LoopDuration <= 0 {
		return fmt.Errorf("sidecar.loop_duration must be positive, got %v", c.Sidecar.LoopDuration)
	}
	if c.Sidecar.MaxSync <= 0 {
		return fmt.Errorf("sidecar.max_sync must be positive, got %v", c.Sidecar.MaxSync)
	}
	if c.Sidecar.RetryInterval <= 0 {
		return fmt.Errorf("sidecar.retry_interval must be positive, got %v", c.Sidecar.RetryInterval)
	}
	if c.Sidecar.Left == c.Sidecar.Right {
		return fmt.Errorf("sidecar.left and sidecar.right must differ, both are %q", c.Sidecar.Left)
	}
	if _, err := imagecodec.New(c.Sidecar.Codec); err != nil {
		return fmt.Errorf("sidecar.codec: %w", err)
	}

	if c.History.Enabled {
		if c.History.Path == "" {
			return errors.New("history.path is required when history is enabled")
		}
		if c.History.SampleRate <= 0 {
			return fmt.Errorf("history.sample_rate must be positive, got %v", c.History.SampleRate)
		}
	}
	return nil
}

// GetDeviceID returns the configured device id, or a fresh random one when
// none is set. The generated id is stored so later calls agree.
func (c *TrackerConfig) GetDeviceID() string {
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	return c.DeviceID
}

// LocalEngineConfig builds the local engine configuration.
func (c *TrackerConfig) LocalEngineConfig() (local.Config, error) {
	cfg := local.DefaultConfig()
	if len(c.Local.Boards) > 0 {
		cfg.Boards = cfg.Boards[:0]
		for _, spec := range c.Local.Boards {
			l, err := board.New(spec)
			if err != nil {
				return local.Config{}, err
			}
			cfg.Boards = append(cfg.Boards, l)
		}
	}
	cfg.Solve = c.Local.Solve
	cfg.Intrinsics = c.Local.Intrinsics
	cfg.Timeout = c.MarkerTimeout
	cfg.QueueSize = c.Local.QueueSize
	if c.Local.Stream != "" {
		cfg.Stream = camera.StreamID(c.Local.Stream)
	}
	return cfg, nil
}

// SidecarEngineConfig builds the sidecar engine configuration, reading the
// lookup table from LUTPath when one is set.
func (c *TrackerConfig) SidecarEngineConfig() (sidecar.Config, error) {
	cfg := sidecar.DefaultConfig()
	cfg.Address = c.Sidecar.Address
	cfg.DeviceID = c.GetDeviceID()
	cfg.IDs = cfg.IDs[:0]
	for _, id := range c.Sidecar.IDs {
		cfg.IDs = append(cfg.IDs, pose.MarkerID(id))
	}
	cfg.LoopDuration = c.Sidecar.LoopDuration
	cfg.MaxSync = c.Sidecar.MaxSync
	cfg.Timeout = c.MarkerTimeout
	cfg.CallTimeout = c.Sidecar.CallTimeout
	cfg.StopTimeout = c.Sidecar.StopTimeout
	cfg.Codec = c.Sidecar.Codec
	cfg.Left = camera.StreamID(c.Sidecar.Left)
	cfg.Right = camera.StreamID(c.Sidecar.Right)

	if c.Sidecar.LUTPath != "" {
		lut, err := os.ReadFile(filepath.Clean(c.Sidecar.LUTPath))
		if err != nil {
			return sidecar.Config{}, fmt.Errorf("failed to read lookup table: %w", err)
		}
		cfg.LUT = lut
	}
	return cfg, cfg.Validate()
}
