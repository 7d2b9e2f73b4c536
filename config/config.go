package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config groups every tunable of the race server. Zero values are never
// meaningful; start from Default and overlay a file with Load.
type Config struct {
	Server    ServerConfig `yaml:"server"`
	Physics   Physics      `yaml:"physics"`
	Track     Track        `yaml:"track"`
	AntiCheat AntiCheat    `yaml:"anticheat"`
	Room      RoomConfig   `yaml:"room"`
}

// ServerConfig holds the network-facing settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	MaxRooms   int    `yaml:"max_rooms"`
}

// Physics are the arcade motion constants. Units are track units and seconds.
type Physics struct {
	MaxSpeed         float64 `yaml:"max_speed"`
	Acceleration     float64 `yaml:"acceleration"`
	Braking          float64 `yaml:"braking"`
	Friction         float64 `yaml:"friction"`
	ReverseRatio     float64 `yaml:"reverse_ratio"`
	TurnRate         float64 `yaml:"turn_rate"`
	MinTurnAuthority float64 `yaml:"min_turn_authority"`
	InertiaDampening float64 `yaml:"inertia_dampening"`
	DriftFactor      float64 `yaml:"drift_factor"`
	SlipDamping      float64 `yaml:"slip_damping"`
}

// MaxWidthVariation is the largest WidthVariation in the segment table. The
// widest segment is Width*(1+MaxWidthVariation).
const MaxWidthVariation = 0.5

// Track controls segment selection, centerline synthesis and the ribbon window.
type Track struct {
	StepSize            float64 `yaml:"step_size"`
	CheckpointInterval  float64 `yaml:"checkpoint_interval"`
	Width               float64 `yaml:"width"`
	ProgressionDistance float64 `yaml:"progression_distance"`
	DifficultyFloor     float64 `yaml:"difficulty_floor"`
	DifficultyRange     float64 `yaml:"difficulty_range"`
	TurnBiasProbability float64 `yaml:"turn_bias_probability"`
	SCurveAmplitude     float64 `yaml:"s_curve_amplitude"`
	InitialSegments     int     `yaml:"initial_segments"`
	PoolSize            int     `yaml:"pool_size"`
	Horizon             float64 `yaml:"horizon"`
	RetainBehind        float64 `yaml:"retain_behind"`
	MaxRetained         int     `yaml:"max_retained"`
	IndexCellSize       float64 `yaml:"index_cell_size"`
}

// AntiCheat thresholds.
type AntiCheat struct {
	DisplacementTolerance float64       `yaml:"displacement_tolerance"`
	TrackTolerance        float64       `yaml:"track_tolerance"`
	FloorY                float64       `yaml:"floor_y"`
	MaxStrikes            int           `yaml:"max_strikes"`
	StrikeWindow          time.Duration `yaml:"strike_window"`
}

// RoomConfig controls lifecycle and cadence of a single race.
type RoomConfig struct {
	TickRate       int           `yaml:"tick_rate"`
	SnapshotRate   int           `yaml:"snapshot_rate"`
	MinPlayers     int           `yaml:"min_players"`
	MaxPlayers     int           `yaml:"max_players"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	FinishDistance float64       `yaml:"finish_distance"`
	InputQueueSize int           `yaml:"input_queue_size"`
}

// Default returns the base tunables table.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			EnableCORS: true,
			MaxRooms:   50,
		},
		Physics: Physics{
			MaxSpeed:         50,
			Acceleration:     20,
			Braking:          40,
			Friction:         8,
			ReverseRatio:     0.2,
			TurnRate:         1.8,
			MinTurnAuthority: 0.5,
			InertiaDampening: 0.3,
			DriftFactor:      0.35,
			SlipDamping:      3,
		},
		Track: Track{
			StepSize:            5,
			CheckpointInterval:  100,
			Width:               24,
			ProgressionDistance: 5000,
			DifficultyFloor:     3,
			DifficultyRange:     7,
			TurnBiasProbability: 0.5,
			SCurveAmplitude:     0.35,
			InitialSegments:     20,
			PoolSize:            20,
			Horizon:             1500,
			RetainBehind:        200,
			MaxRetained:         60,
			IndexCellSize:       32,
		},
		AntiCheat: AntiCheat{
			DisplacementTolerance: 0.5,
			TrackTolerance:        4,
			FloorY:                -10,
			MaxStrikes:            5,
			StrikeWindow:          10 * time.Second,
		},
		Room: RoomConfig{
			TickRate:       30,
			SnapshotRate:   18,
			MinPlayers:     2,
			MaxPlayers:     8,
			IdleTimeout:    60 * time.Second,
			MaxDuration:    5 * time.Minute,
			InputQueueSize: 16,
		},
	}
}

// Load reads a YAML file and overlays it on Default. Keys missing from the
// file keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides server settings from HOST, PORT and ENABLE_CORS.
func (c *Config) ApplyEnv() {
	if host := os.Getenv("HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	// CORS can be disabled for production behind a reverse proxy
	if cors := os.Getenv("ENABLE_CORS"); cors == "false" {
		c.Server.EnableCORS = false
	}
}

// Validate rejects tables the simulation cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Physics.MaxSpeed <= 0:
		return fmt.Errorf("%w: physics.max_speed must be positive", ErrInvalidConfig)
	case c.Track.StepSize <= 0:
		return fmt.Errorf("%w: track.step_size must be positive", ErrInvalidConfig)
	case c.Track.CheckpointInterval < c.Track.StepSize:
		return fmt.Errorf("%w: track.checkpoint_interval must be at least step_size", ErrInvalidConfig)
	case c.Track.Width <= 0:
		return fmt.Errorf("%w: track.width must be positive", ErrInvalidConfig)
	case c.Track.ProgressionDistance <= 0:
		return fmt.Errorf("%w: track.progression_distance must be positive", ErrInvalidConfig)
	case c.Track.InitialSegments <= 0:
		return fmt.Errorf("%w: track.initial_segments must be positive", ErrInvalidConfig)
	case c.Track.PoolSize <= 0 || c.Track.MaxRetained < c.Track.PoolSize:
		return fmt.Errorf("%w: track.max_retained must be >= pool_size > 0", ErrInvalidConfig)
	case c.Track.IndexCellSize < c.MinIndexCellSize():
		return fmt.Errorf("%w: track.index_cell_size must be at least %.2f", ErrInvalidConfig, c.MinIndexCellSize())
	case c.AntiCheat.MaxStrikes <= 0:
		return fmt.Errorf("%w: anticheat.max_strikes must be positive", ErrInvalidConfig)
	case c.Room.TickRate <= 0 || c.Room.SnapshotRate <= 0:
		return fmt.Errorf("%w: room tick and snapshot rates must be positive", ErrInvalidConfig)
	case c.Room.MinPlayers <= 0 || c.Room.MaxPlayers < c.Room.MinPlayers:
		return fmt.Errorf("%w: room.max_players must be >= min_players > 0", ErrInvalidConfig)
	case c.Room.MaxPlayers > 255:
		return fmt.Errorf("%w: room.max_players must fit in one byte", ErrInvalidConfig)
	case c.Room.InputQueueSize <= 0:
		return fmt.Errorf("%w: room.input_queue_size must be positive", ErrInvalidConfig)
	}
	return nil
}

// MinIndexCellSize is the smallest grid cell that still finds the nearest
// centerline sample for every position the validator accepts: half the
// widest segment plus the off-track tolerance, plus half a step between
// samples.
func (c *Config) MinIndexCellSize() float64 {
	return c.Track.Width*(1+MaxWidthVariation)/2 + math.Max(c.AntiCheat.TrackTolerance, 0) + c.Track.StepSize/2
}

// TickInterval is the fixed simulation step in seconds.
func (r RoomConfig) TickInterval() float64 {
	return 1.0 / float64(r.TickRate)
}

// StrikeWindowTicks converts the rolling strike window to simulation ticks.
func (c *Config) StrikeWindowTicks() uint64 {
	return uint64(c.AntiCheat.StrikeWindow.Seconds() * float64(c.Room.TickRate))
}

// MaxTicks is the tick count after which a round ends, or 0 for no cap.
func (c *Config) MaxTicks() uint64 {
	return uint64(c.Room.MaxDuration.Seconds() * float64(c.Room.TickRate))
}
