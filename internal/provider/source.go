// Package provider contains the tile and feature sources the fetch pipeline
// pulls from: directories of pre-rendered tiles, remote XYZ tile servers and
// JSON annotation files. Rendering from source images lives in package render.
package provider

import (
	"context"
	"fmt"

	"tilefetch/internal/fetch"
	"tilefetch/internal/tile"
)

// TileSource produces the encoded bytes of one tile. Fetch returns an error
// wrapping fetch.ErrNotFound when the source has no tile at idx.
type TileSource interface {
	Fetch(ctx context.Context, idx tile.Index) ([]byte, error)
	Name() string
}

func notFound(idx tile.Index) error {
	return fmt.Errorf("tile %s: %w", idx, fetch.ErrNotFound)
}
