package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/agenthands/remotecache/internal/logging"
	"github.com/agenthands/remotecache/pkg/core"
	"github.com/agenthands/remotecache/pkg/digest"
	"github.com/agenthands/remotecache/pkg/remotecache"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	config   string
	dir      string
	backend  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "remotecache",
		Short:         "Inspect and maintain a remote build cache repository",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&f.dir, "dir", "", "local disk repository root (overrides config)")
	root.PersistentFlags().StringVar(&f.backend, "backend", "", "backend: memory, local_disk or cloud (overrides config)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(
		newPutCmd(f),
		newGetCmd(f),
		newHasCmd(f),
		newFetchCmd(f),
		newExportCmd(f),
		newImportCmd(f),
		newSweepCmd(f),
	)
	return root
}

// open loads the config, applies flag overrides and opens the cache.
func (f *rootFlags) open(ctx context.Context) (*remotecache.Cache, error) {
	var cfg remotecache.Config
	if f.config != "" {
		var err error
		if cfg, err = remotecache.LoadConfig(f.config); err != nil {
			return nil, err
		}
	}
	if f.dir != "" {
		cfg.LocalDisk.Dir = f.dir
	}
	if f.backend != "" {
		cfg.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	} else if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return remotecache.Open(ctx, cfg, remotecache.Options{Logger: log})
}

func newPutCmd(f *rootFlags) *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Store a file (or stdin) in the CAS and print its digest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("%w: %w", core.ErrIO, err)
				}
				defer file.Close()
				in = file
			}

			var want *digest.Digest
			if expected != "" {
				d, err := digest.Parse(expected)
				if err != nil {
					return err
				}
				want = &d
			}

			d, err := c.Ingest(ctx, in, want)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&expected, "expect", "", "reject content not matching this hash/size digest")
	return cmd
}

func newGetCmd(f *rootFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <hash/size>",
		Short: "Write a blob to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := digest.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			rc, ok, err := c.Backend().CASGetData(ctx, d)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", core.ErrNotFound, d)
			}
			defer rc.Close()

			out := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("%w: %w", core.ErrIO, err)
				}
				defer file.Close()
				out = file
			}
			_, err = io.Copy(out, rc)
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newHasCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "has <hash/size>...",
		Short: "Print the digests that are missing from the CAS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := make([]digest.Digest, 0, len(args))
			for _, a := range args {
				d, err := digest.Parse(a)
				if err != nil {
					return err
				}
				ds = append(ds, d)
			}
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			missing, err := c.Backend().CASFilterForMissing(ctx, ds)
			if err != nil {
				return err
			}
			for _, d := range missing {
				fmt.Fprintln(cmd.OutOrStdout(), "missing", d)
			}
			return nil
		},
	}
}

func newFetchCmd(f *rootFlags) *cobra.Command {
	var hash string
	cmd := &cobra.Command{
		Use:   "fetch --sha256 <hash> <uri>...",
		Short: "Download a resource into the CAS unless its hash is already present",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			d, err := c.Fetch(ctx, args, hash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "sha256", "", "expected content hash")
	_ = cmd.MarkFlagRequired("sha256")
	return cmd
}

func newExportCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file.car>",
		Short: "Write every CAS blob into a CARv2 archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.Export(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d blobs (%d bytes), skipped %d\n", stats.Blobs, stats.Bytes, stats.Skipped)
			return nil
		},
	}
}

func newImportCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.car>",
		Short: "Insert every block of a CARv2 archive into the CAS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.Import(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d blobs (%d bytes), skipped %d\n", stats.Blobs, stats.Bytes, stats.Skipped)
			return nil
		},
	}
}

func newSweepCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove temp files left behind by interrupted transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := f.open(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, removed %d (%d bytes)\n", res.Scanned, res.Removed, res.BytesReclaimed)
			return nil
		},
	}
}
