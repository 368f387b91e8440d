// Command tileseed copies the tiles of a remote XYZ server into a local
// directory, level by level, so the server can later run with CACHE=file
// without touching the remote again.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"tilefetch/internal/logger"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

type CLI struct {
	URL      string        `arg:"" help:"Tile URL template with {z}, {x} and {y} placeholders."`
	Dir      string        `arg:"" help:"Directory the tiles are written to." type:"path"`
	Width    int           `help:"Width of the tiled image in pixels." required:""`
	Height   int           `help:"Height of the tiled image in pixels." required:""`
	TileSize int           `help:"Tile edge length in pixels." default:"256"`
	Format   string        `help:"File extension of stored tiles." default:"jpeg"`
	MaxLevel int           `help:"Deepest level to seed; negative seeds all levels." default:"-1"`
	Workers  int           `help:"Concurrent downloads." default:"8"`
	Clean    bool          `help:"Delete previously seeded tiles first."`
	RetryMax int           `help:"Retries per tile." default:"3" env:"REMOTE_RETRY_MAX"`
	Timeout  time.Duration `help:"Timeout per request." default:"30s"`
	LogLevel string        `help:"Log level." default:"info" env:"LOG_LEVEL"`
}

func (c *CLI) Run() error {
	log, err := logger.New(c.LogLevel, "console")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("width and height must be positive")
	}

	disk, err := openDisk(c.Dir, c.Format, c.Clean, log)
	if err != nil {
		return err
	}
	remote := provider.NewHTTPSource(c.URL, provider.HTTPOptions{RetryMax: c.RetryMax, Timeout: c.Timeout}, log)
	src := provider.NewCachingSource(disk, remote, log)
	schema := tile.NewImageSchema("seed", c.Width, c.Height, c.TileSize, c.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := seed(ctx, src, schema, seedOptions{MaxLevel: c.MaxLevel, Workers: c.Workers}, log)
	log.Info("Seeding finished",
		zap.Int64("fetched", rep.Fetched),
		zap.Int64("missing", rep.Missing),
		zap.Int64("failed", rep.Failed),
		zap.Duration("duration", rep.Duration),
	)
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d tiles failed", rep.Failed)
	}
	return nil
}

func openDisk(dir, format string, clean bool, log *zap.Logger) (*provider.DiskSource, error) {
	disk, err := provider.NewDiskSource(dir, format)
	if err != nil {
		return nil, err
	}
	if clean {
		log.Info("Removing previously seeded tiles", zap.String("dir", dir))
		if err := disk.Clear(); err != nil {
			return nil, fmt.Errorf("failed to clean tile directory: %w", err)
		}
	}
	return disk, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("tileseed"),
		kong.Description("Seed a tile directory from a remote XYZ tile server."),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
