// Package config handles pipeline configuration loading and management.
//
// The pipeline components only ever read a *Config; nothing writes to it
// after Load returns.
package config

import "runtime"

// Config holds all pipeline settings.
type Config struct {
	Texture  TextureConfig  `yaml:"texture"`
	Geometry GeometryConfig `yaml:"geometry"`
	GPU      GPUConfig      `yaml:"gpu"`
	Cache    CacheConfig    `yaml:"cache"`
	Detect   DetectConfig   `yaml:"detect"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Assets   AssetsConfig   `yaml:"assets"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// TextureConfig holds output texture settings.
type TextureConfig struct {
	Width              int     `yaml:"width"`
	Height             int     `yaml:"height"`
	Resize             float32 `yaml:"resize"`      // Scale applied to the source texture size
	IgnoreSize         bool    `yaml:"ignore_size"` // Always use Width x Height
	Margin             int     `yaml:"margin"`      // Bleed margin in pixels; 0 disables bleeding
	MarginIgnoreSize   int     `yaml:"margin_ignore_size"`
	Compress           int     `yaml:"compress"` // 0 none, 1 BC1, 2 BC3
	TangentZCorrection bool    `yaml:"tangent_z_correction"`
	DetailStrength     float32 `yaml:"detail_strength"`
	Blend              string  `yaml:"blend"` // "slerp" or "linear"
}

// GeometryConfig holds mesh processing settings.
type GeometryConfig struct {
	WeldDistance               float32 `yaml:"weld_distance"`
	BoundaryWeldDistance       float32 `yaml:"boundary_weld_distance"`
	Subdivision                int     `yaml:"subdivision"`
	SubdivisionTriangleCeiling int     `yaml:"subdivision_triangle_ceiling"`
	NormalSmoothDegree         float32 `yaml:"normal_smooth_degree"`
	VertexSmooth               int     `yaml:"vertex_smooth"`
	VertexSmoothStrength       float32 `yaml:"vertex_smooth_strength"`
	VertexSmoothByAngle        int     `yaml:"vertex_smooth_by_angle"`
	SmoothAngleLow             float32 `yaml:"smooth_angle_low"`
	SmoothAngleHigh            float32 `yaml:"smooth_angle_high"`
}

// GPUConfig holds compute path settings.
type GPUConfig struct {
	Enable        bool `yaml:"enable"`
	DivideTaskQ   int  `yaml:"divide_task_q"`   // Tile side is 4096 >> DivideTaskQ
	SubmitPerTick int  `yaml:"submit_per_tick"` // GPU lane releases per frame
}

// CacheConfig holds resource cache settings.
type CacheConfig struct {
	Disk             bool   `yaml:"disk"`
	Dir              string `yaml:"dir"`
	Extension        string `yaml:"extension"`
	MaxBytes         int64  `yaml:"max_bytes"`
	ClearOnStart     bool   `yaml:"clear_on_start"`
	EvictEveryFrames int    `yaml:"evict_every_frames"`
}

// DetectConfig holds change detector settings.
type DetectConfig struct {
	Distance      float32 `yaml:"distance"` // 0 disables the distance gate
	Workers       int     `yaml:"workers"`
	PrimaryAlways bool    `yaml:"primary_always"`
}

// TasksConfig holds worker pool settings.
type TasksConfig struct {
	Orchestration  int `yaml:"orchestration"`
	Numeric        int `yaml:"numeric"`
	BakeDelayTicks int `yaml:"bake_delay_ticks"`
}

// AssetsConfig holds texture lookup settings.
type AssetsConfig struct {
	Sources      []string `yaml:"sources"`       // Data directories and texture packs; later entries win
	ConditionDir string   `yaml:"condition_dir"` // Directory of condition files; empty bakes everyone
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Texture: TextureConfig{
			Width:              2048,
			Height:             2048,
			Resize:             1.0,
			Margin:             4,
			MarginIgnoreSize:   64,
			TangentZCorrection: true,
			DetailStrength:     1.0,
			Blend:              "slerp",
		},
		Geometry: GeometryConfig{
			WeldDistance:               0.0001,
			BoundaryWeldDistance:       0.001,
			Subdivision:                1,
			SubdivisionTriangleCeiling: 300000,
			NormalSmoothDegree:         60,
			VertexSmooth:               1,
			VertexSmoothStrength:       0.5,
			SmoothAngleLow:             30,
			SmoothAngleHigh:            60,
		},
		GPU: GPUConfig{
			Enable:        true,
			DivideTaskQ:   2,
			SubmitPerTick: 4,
		},
		Cache: CacheConfig{
			Dir:              "cache/normalmaps",
			Extension:        "nmc",
			MaxBytes:         1 << 30,
			EvictEveryFrames: 10,
		},
		Detect: DetectConfig{
			Distance:      4096,
			Workers:       4,
			PrimaryAlways: true,
		},
		Tasks: TasksConfig{
			Orchestration:  2,
			Numeric:        runtime.GOMAXPROCS(0),
			BakeDelayTicks: 2,
		},
		Assets: AssetsConfig{
			Sources: []string{"data"},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// TileSize returns the side length of one GPU dispatch tile.
func (g GPUConfig) TileSize() int {
	q := g.DivideTaskQ
	if q < 0 {
		q = 0
	}
	if q > 8 {
		q = 8
	}
	return 4096 >> q
}
