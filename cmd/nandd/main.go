// nandd emulates a NAND chip and serves its partitions as block devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/c35s/nandblk/config"
	"github.com/c35s/nandblk/flash"
	"github.com/c35s/nandblk/nand"
	"github.com/c35s/nandblk/queue"
	"github.com/c35s/nandblk/server"
	"github.com/mdlayher/vsock"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func main() {
	var (
		cfgPath = pflag.StringP("config", "c", "/etc/nandd.yaml", "load configuration from `file`")
		image   = pflag.String("image", "", "override the chip image path or URL")
		verbose = pflag.BoolP("verbose", "v", false, "log at debug level")
	)

	pflag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nandd: %v\n", err)
		os.Exit(2)
	}

	if *image != "" {
		cfg.Chip.Image = *image
	}

	if *verbose {
		cfg.Log.Level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.Level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("nandd: exiting", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	chip, release, err := cfg.Chip.NewChip()
	if err != nil {
		return err
	}

	defer func() {
		if err := release(); err != nil {
			slog.Error("nandd: close partitions", "err", err)
		}
	}()

	if err := loadImage(chip, cfg.Chip.Image); err != nil {
		return err
	}

	reg, err := nand.New(cfg.Registry.NandConfig(chip))
	if err != nil {
		return err
	}

	if err := reg.Register(chip.Partitions()); err != nil {
		slog.Warn("nandd: some partitions weren't registered", "err", err)
	}

	q, err := queue.New(cfg.Queue.QueueConfig())
	if err != nil {
		return err
	}

	l, err := listen(cfg.Listen)
	if err != nil {
		return err
	}

	slog.Info("nandd: serving", "addr", l.Addr(), "devices", len(reg.Devices()))

	srv := &server.Server{Registry: reg, Queue: q}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return q.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx, l) })

	err = g.Wait()

	if serr := reg.Shutdown(); serr != nil {
		slog.Error("nandd: registry shutdown", "err", serr)
	}

	if serr := saveImage(chip, cfg.Chip.Image); serr != nil {
		err = multierr.Append(err, serr)
	}

	return err
}

func listen(cfg config.ListenConfig) (net.Listener, error) {
	switch cfg.Network {
	case "vsock":
		return vsock.Listen(cfg.Port, nil)

	default:
		if err := os.Remove(cfg.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		return net.Listen("unix", cfg.Address)
	}
}

// loadImage restores the chip from a file or URL. A missing file leaves
// the chip blank.
func loadImage(chip *flash.MemChip, s string) (err error) {
	if s == "" {
		return nil
	}

	defer func() {
		if err != nil {
			err = fmt.Errorf("nandd: load image %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return err
	}

	var r io.ReadCloser

	switch u.Scheme {
	case "", "file":
		f, err := os.Open(u.Path)
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("nandd: no chip image, starting blank", "path", u.Path)
			return nil
		}

		if err != nil {
			return err
		}

		r = f

	case "http", "https":
		res, err := http.Get(u.String())
		if err != nil {
			return err
		}

		if res.StatusCode != http.StatusOK {
			res.Body.Close()
			return fmt.Errorf("response status %d != %d", res.StatusCode, http.StatusOK)
		}

		r = res.Body

	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	defer r.Close()
	return chip.LoadImage(r)
}

// saveImage writes the chip back to its image file. Images loaded from a
// URL aren't saved.
func saveImage(chip *flash.MemChip, s string) (err error) {
	u, err := url.Parse(s)
	if s == "" || err != nil || (u.Scheme != "" && u.Scheme != "file") {
		return nil
	}

	defer func() {
		if err != nil {
			err = fmt.Errorf("nandd: save image %s: %w", u.Path, err)
		}
	}()

	tmp, err := os.CreateTemp(filepath.Dir(u.Path), ".chip-*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if err := chip.SaveImage(tmp); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), u.Path); err != nil {
		return err
	}

	slog.Info("nandd: saved chip image", "path", u.Path)
	return nil
}
