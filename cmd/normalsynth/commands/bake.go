package commands

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/assets"
	"github.com/Faultbox/normalsynth/internal/config"
	"github.com/Faultbox/normalsynth/internal/engine/raster"
	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/scene"
	"github.com/Faultbox/normalsynth/internal/services"
)

type bakeOptions struct {
	manifest string
	out      string
	format   string
	sources  []string
	frame    time.Duration
	width    int
	height   int
	margin   int
}

func (c *CLI) newBakeCmd() *cobra.Command {
	var o bakeOptions
	cmd := &cobra.Command{
		Use:   "bake",
		Short: "Bake the normal maps of every character in a scene manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c.overrides.Width, c.overrides.Height, c.overrides.Margin = o.width, o.height, o.margin
			return c.bake(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.manifest, "manifest", "m", "", "Scene manifest (YAML)")
	f.StringVarP(&o.out, "out", "o", "", "Write finished maps to this directory")
	f.StringVar(&o.format, "format", "png", "Output image format: png or webp")
	f.StringSliceVarP(&o.sources, "source", "s", nil, "Extra texture directory or pack; later ones win")
	f.DurationVar(&o.frame, "frame", 16*time.Millisecond, "Simulated frame interval")
	f.IntVar(&o.width, "width", 0, "Output width")
	f.IntVar(&o.height, "height", 0, "Output height")
	f.IntVar(&o.margin, "margin", 0, "Bleed margin in pixels")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func (c *CLI) bake(cmd *cobra.Command, o bakeOptions) error {
	format := strings.ToLower(o.format)
	if format != "png" && format != "webp" {
		return fmt.Errorf("unknown output format %q", o.format)
	}

	cfg, err := c.setup()
	if err != nil {
		return err
	}
	log := logger.Named("bake")

	manifest, err := scene.LoadManifest(o.manifest)
	if err != nil {
		return err
	}
	host := scene.NewMemory()
	if err := manifest.Populate(host); err != nil {
		return err
	}

	loader, err := newLoader(log, cfg, o.sources)
	if err != nil {
		return err
	}
	defer loader.Close()

	svc, err := services.New(cfg, logger.Log, host, loader, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	total := 0
	for _, ch := range manifest.Characters {
		total += len(ch.Submeshes)
		svc.Bake(ch.ID, ch.Slots())
	}

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription("baking"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	applied := func() int {
		n := 0
		for _, ch := range manifest.Characters {
			for _, sm := range ch.Submeshes {
				if _, ok := host.Applied(ch.ID, sm.Name); ok {
					n++
				}
			}
		}
		return n
	}

	start := time.Now()
	ticker := time.NewTicker(o.frame)
	defer ticker.Stop()
	for !svc.Idle() {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
			svc.Frame()
			_ = bar.Set(applied())
		}
	}
	_ = bar.Finish()

	done := applied()
	log.Info("bake finished",
		zap.Int("applied", done),
		zap.Int("submeshes", total),
		zap.Duration("elapsed", time.Since(start)),
		zap.Stringer("cache", svc.Cache.Stats()))

	if o.out != "" {
		if err := export(host, manifest, o.out, format); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "baked %d of %d submeshes (%s backend)\n", done, total, svc.Engine.Backend())
	return nil
}

// newLoader adds the configured sources followed by extra. Configured
// sources that do not exist are skipped.
func newLoader(log *zap.Logger, cfg *config.Config, extra []string) (*assets.Manager, error) {
	m := assets.NewManager(logger.Named("assets"))
	for _, src := range cfg.Assets.Sources {
		if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
			log.Warn("texture source missing", zap.String("source", src))
			continue
		}
		if err := m.AddSource(src); err != nil {
			m.Close()
			return nil, err
		}
	}
	for _, src := range extra {
		if err := m.AddSource(src); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// export writes every applied map as <out>/<character>_<submesh>.<format>.
func export(host *scene.Memory, manifest *scene.Manifest, out, format string) error {
	if err := os.MkdirAll(out, 0o750); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, ch := range manifest.Characters {
		for _, sm := range ch.Submeshes {
			res, ok := host.Applied(ch.ID, sm.Name)
			if !ok {
				continue
			}
			tex := res.Texture.Clone()
			if err := raster.Decompress(tex); err != nil {
				return err
			}
			img, err := tex.NRGBA()
			if err != nil {
				return err
			}
			path := filepath.Join(out, fmt.Sprintf("%d_%s.%s", ch.ID, sm.Name, format))
			if err := writeImage(path, img, format); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeImage(path string, img image.Image, format string) error {
	//nolint:gosec // Output path comes from the command line
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if format == "webp" {
		err = nativewebp.Encode(f, img, nil)
	} else {
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}
