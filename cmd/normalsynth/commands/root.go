// Package commands implements the normalsynth command line.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/logger"
)

// Version is set at build time.
var Version = "dev"

// CLI is the normalsynth command tree.
type CLI struct {
	rootCmd *cobra.Command

	configPath string
	overrides  config.Overrides
	quiet      bool
}

// New builds the command tree.
func New() *CLI {
	c := &CLI{}
	rootCmd := &cobra.Command{
		Use:           "normalsynth",
		Short:         "Bake dynamic normal maps for skinned characters",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "Config file (default: ./normalsynth.yaml or the user config dir)")
	pf.BoolVar(&c.overrides.Debug, "debug", false, "Enable debug logging")
	pf.StringVar(&c.overrides.LogFile, "log-file", "", "Also log to this file")
	pf.BoolVar(&c.overrides.NoGPU, "no-gpu", false, "Fill triangles on the CPU only")
	pf.BoolVar(&c.overrides.Disk, "disk-cache", false, "Enable the disk cache")
	pf.StringVar(&c.overrides.CacheDir, "cache-dir", "", "Disk cache directory")
	pf.BoolVarP(&c.quiet, "quiet", "q", false, "Log to the file only")

	c.rootCmd = rootCmd
	rootCmd.AddCommand(c.newBakeCmd())
	rootCmd.AddCommand(c.newCacheCmd())
	rootCmd.AddCommand(c.newPackCmd())
	rootCmd.AddCommand(c.newConfigCmd())
	return c
}

// Execute runs the command tree with ctx.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}

// setup loads the config and starts logging.
func (c *CLI) setup() (*config.Config, error) {
	cfg, err := config.Load(c.configPath, c.overrides)
	if err != nil {
		return nil, err
	}
	var fileCfg logger.FileConfig
	if cfg.Logging.LogFile != "" {
		fileCfg = logger.DefaultFileConfig(cfg.Logging.LogFile)
	}
	if err := logger.InitWithFileConfig(cfg.Logging.Level, fileCfg, !c.quiet); err != nil {
		return nil, err
	}
	return cfg, nil
}
