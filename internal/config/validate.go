package config

import (
	"fmt"
	"strings"
)

// Validate rejects settings the pipeline cannot run with and clamps the
// ones that merely fall outside a useful range.
func (c *Config) Validate() error {
	if c.Texture.Width <= 0 || c.Texture.Height <= 0 {
		return fmt.Errorf("texture size must be positive, got %dx%d", c.Texture.Width, c.Texture.Height)
	}
	if c.Geometry.WeldDistance < 0 || c.Geometry.BoundaryWeldDistance < 0 {
		return fmt.Errorf("weld distances must not be negative")
	}
	if c.Cache.Disk && c.Cache.Dir == "" {
		return fmt.Errorf("disk cache enabled without a directory")
	}

	switch strings.ToLower(c.Texture.Blend) {
	case "", "slerp":
		c.Texture.Blend = "slerp"
	case "linear":
		c.Texture.Blend = "linear"
	default:
		return fmt.Errorf("unknown blend mode %q", c.Texture.Blend)
	}

	if c.Texture.Resize <= 0 {
		c.Texture.Resize = 1
	}
	if c.Texture.Margin < 0 {
		c.Texture.Margin = 0
	}
	if c.Texture.Compress < 0 || c.Texture.Compress > 2 {
		c.Texture.Compress = 0
	}
	c.Texture.DetailStrength = clamp01(c.Texture.DetailStrength)
	c.Geometry.VertexSmoothStrength = clamp01(c.Geometry.VertexSmoothStrength)
	if c.Geometry.Subdivision < 0 {
		c.Geometry.Subdivision = 0
	}
	if c.GPU.SubmitPerTick < 1 {
		c.GPU.SubmitPerTick = 1
	}
	if c.Detect.Workers < 1 {
		c.Detect.Workers = 1
	}
	if c.Tasks.Orchestration < 1 {
		c.Tasks.Orchestration = 1
	}
	if c.Tasks.Numeric < 1 {
		c.Tasks.Numeric = 1
	}
	if c.Cache.Extension == "" {
		c.Cache.Extension = "nmc"
	}
	c.Cache.Extension = strings.TrimPrefix(c.Cache.Extension, ".")
	return nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
