package commands

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Faultbox/normalsynth/internal/engine/texture"
	"github.com/Faultbox/normalsynth/pkg/pack"
)

func (c *CLI) newPackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Build and inspect texture packs",
	}
	cmd.AddCommand(c.newPackCreateCmd(), c.newPackListCmd(), c.newPackExtractCmd())
	return cmd
}

func (c *CLI) newPackCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <pack> <dir>",
		Short: "Pack every supported texture under dir",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, root := args[0], args[1]

			var names []string
			err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && texture.Supported(path) {
					names = append(names, path)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("walking %s: %w", root, err)
			}
			if len(names) == 0 {
				return fmt.Errorf("no textures under %s", root)
			}

			bar := progressbar.NewOptions(len(names),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionSetDescription("reading"),
				progressbar.OptionClearOnFinish())
			files := make(map[string][]byte, len(names))
			var total int64
			for _, path := range names {
				//nolint:gosec // Paths come from walking the given directory
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(root, path)
				if err != nil {
					return err
				}
				files[filepath.ToSlash(rel)] = data
				total += int64(len(data))
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			if err := pack.Create(out, files); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Packed %d files (%.2f MB) into %s\n", len(files), float64(total)/(1024*1024), out)
			return nil
		},
	}
}

func (c *CLI) newPackListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <pack> [pattern]",
		Short: "List packed files, optionally filtered by a glob or substring",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := pack.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			pattern := ""
			if len(args) > 1 {
				pattern = strings.ToLower(args[1])
			}
			count := 0
			for _, name := range a.List() {
				if pattern != "" && !matches(pattern, name) {
					continue
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
				count++
				if limit > 0 && count >= limit {
					break
				}
			}
			if pattern != "" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "(%d files matched)\n", count)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Limit output to N files (0 = all)")
	return cmd
}

func (c *CLI) newPackExtractCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "extract <pack> <name|pattern>",
		Short: "Extract files, preserving their paths",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := pack.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()

			want := strings.ToLower(args[1])
			var names []string
			if strings.ContainsAny(want, "*?[") {
				for _, name := range a.List() {
					if ok, _ := filepath.Match(want, filepath.Base(name)); ok {
						names = append(names, name)
					}
				}
			} else {
				names = []string{want}
			}

			extracted := 0
			for _, name := range names {
				data, err := a.Read(name)
				if err != nil {
					return err
				}
				path := filepath.Join(outDir, filepath.FromSlash(name))
				if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
					return fmt.Errorf("creating directory: %w", err)
				}
				if err := os.WriteFile(path, data, 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", path, err)
				}
				extracted++
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Extracted %d files\n", extracted)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	return cmd
}

func matches(pattern, name string) bool {
	if ok, _ := filepath.Match(pattern, filepath.Base(name)); ok {
		return true
	}
	return strings.Contains(name, pattern)
}
