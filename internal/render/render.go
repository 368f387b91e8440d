// Package render cuts tiles out of large source images with libvips.
package render

import (
	"context"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilefetch/internal/fetch"
	"tilefetch/internal/tile"
)

// tileBackground fills the part of edge tiles that lies outside the image.
var tileBackground = []float64{221, 221, 221} // #ddd

// Source cuts JPEG tiles out of one large image. It implements
// provider.TileSource.
type Source struct {
	path    string
	schema  tile.Schema
	quality int
	logger  *zap.Logger
}

// NewSource renders tiles of schema from the image at path. The schema
// extent must be the image size in pixels.
func NewSource(path string, schema tile.Schema, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{path: path, schema: schema, quality: 82, logger: logger}
}

func notFound(idx tile.Index) error {
	return fmt.Errorf("tile %s: %w", idx, fetch.ErrNotFound)
}

func (r *Source) Name() string { return "render:" + r.path }

func (r *Source) Fetch(ctx context.Context, idx tile.Index) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !r.schema.Contains(idx) {
		return nil, notFound(idx)
	}

	image, err := OpenImage(r.path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	tileSize := float64(r.schema.TileSize)
	te := r.schema.TileExtent(idx)
	pixelsPerTile := te.Width()

	// Clamp to image dimensions to handle edge tiles that extend beyond the image.
	startX := int(te.MinX)
	startY := int(te.MinY)
	endX := int(math.Min(te.MaxX, r.schema.Extent.MaxX))
	endY := int(math.Min(te.MaxY, r.schema.Extent.MaxY))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, notFound(idx)
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// All tiles of a level share one scale factor so edge tiles line up.
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Pad edge tiles to full size, anchored top-left to keep alignment.
	if image.Width() < r.schema.TileSize || image.Height() < r.schema.TileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = tileBackground
		if err := image.Embed(0, 0, r.schema.TileSize, r.schema.TileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = r.quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	r.logger.Debug("Rendered tile", zap.Stringer("tile", idx), zap.Int("bytes", len(data)))
	return data, nil
}
