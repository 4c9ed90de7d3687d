package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Faultbox/normalsynth/internal/cache"
	"github.com/Faultbox/normalsynth/internal/logger"
)

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the disk cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show disk cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openDisk()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "Directory: %s\n", store.Dir())
			_, _ = fmt.Fprintf(out, "Entries:   %d\n", store.Len())
			_, _ = fmt.Fprintf(out, "Size:      %.2f MB\n", float64(store.Size())/(1024*1024))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every disk cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := c.openDisk()
			if err != nil {
				return err
			}
			n := store.Len()
			if err := store.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries from %s\n", n, store.Dir())
			return nil
		},
	})
	return cmd
}

// openDisk opens the configured store without clearing it.
func (c *CLI) openDisk() (*cache.DiskStore, error) {
	cfg, err := c.setup()
	if err != nil {
		return nil, err
	}
	dc := cfg.Cache
	dc.ClearOnStart = false
	return cache.NewDiskStore(logger.Named("cache"), dc)
}
