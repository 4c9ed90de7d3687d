package config

// Overrides carries command-line values that take priority over the file.
// Zero values leave the loaded setting untouched.
type Overrides struct {
	Debug    bool
	LogFile  string
	Width    int
	Height   int
	NoGPU    bool
	Disk     bool
	CacheDir string
	Margin   int
}

// Apply applies the overrides to cfg.
func (o Overrides) Apply(cfg *Config) {
	if o.Debug {
		cfg.Logging.Level = "debug"
	}
	if o.LogFile != "" {
		cfg.Logging.LogFile = o.LogFile
	}
	if o.Width > 0 {
		cfg.Texture.Width = o.Width
	}
	if o.Height > 0 {
		cfg.Texture.Height = o.Height
	}
	if o.NoGPU {
		cfg.GPU.Enable = false
	}
	if o.Disk {
		cfg.Cache.Disk = true
	}
	if o.CacheDir != "" {
		cfg.Cache.Dir = o.CacheDir
	}
	if o.Margin > 0 {
		cfg.Texture.Margin = o.Margin
	}
}
