package tile

import (
	"math"
)

// CRSPixel is the coordinate reference of image schemas: source pixels with
// the origin in the top-left corner.
const CRSPixel = "pixel"

// DefaultTileSize is the edge length of a tile in screen pixels.
const DefaultTileSize = 256

// Resolution is the scale of one level of a schema.
type Resolution struct {
	Level         int     `json:"level"`
	UnitsPerPixel float64 `json:"units_per_pixel"`
}

// Schema describes how a tiled source is cut into levels, columns and rows.
type Schema struct {
	Name        string       `json:"name"`
	Format      string       `json:"format"`
	CRS         string       `json:"crs"`
	TileSize    int          `json:"tile_size"`
	Extent      Extent       `json:"extent"`
	Resolutions []Resolution `json:"resolutions"`
}

// MaxZoom returns the deepest level at which a width×height image still needs
// more than one tile, i.e. the level that shows the image at 1:1.
func MaxZoom(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / float64(tileSize)
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// NewImageSchema builds a deep-zoom schema for an image of the given pixel
// size. Level 0 fits the whole image into one tile; the last level is 1:1.
func NewImageSchema(name string, width, height, tileSize int, format string) Schema {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	maxZoom := MaxZoom(width, height, tileSize)

	resolutions := make([]Resolution, 0, maxZoom+1)
	for z := 0; z <= maxZoom; z++ {
		resolutions = append(resolutions, Resolution{
			Level:         z,
			UnitsPerPixel: math.Pow(2, float64(maxZoom-z)),
		})
	}

	return Schema{
		Name:        name,
		Format:      format,
		CRS:         CRSPixel,
		TileSize:    tileSize,
		Extent:      Extent{MaxX: float64(width), MaxY: float64(height)},
		Resolutions: resolutions,
	}
}

// MaxLevel returns the finest level of the schema, or -1 if it has none.
func (s Schema) MaxLevel() int {
	return len(s.Resolutions) - 1
}

func (s Schema) resolution(level int) (float64, bool) {
	for _, r := range s.Resolutions {
		if r.Level == level {
			return r.UnitsPerPixel, true
		}
	}
	return 0, false
}

// NearestLevel picks the coarsest level whose resolution is not coarser than
// the requested one. Requests finer than the finest level get the finest.
func (s Schema) NearestLevel(unitsPerPixel float64) int {
	if len(s.Resolutions) == 0 {
		return -1
	}

	best := -1
	bestUPP := 0.0
	finest := s.Resolutions[0]
	for _, r := range s.Resolutions {
		if r.UnitsPerPixel < finest.UnitsPerPixel {
			finest = r
		}
		if unitsPerPixel <= 0 || r.UnitsPerPixel > unitsPerPixel*(1+1e-9) {
			continue
		}
		if best == -1 || r.UnitsPerPixel > bestUPP {
			best, bestUPP = r.Level, r.UnitsPerPixel
		}
	}
	if best == -1 {
		return finest.Level
	}
	return best
}

// Matrix returns the number of columns and rows at level.
func (s Schema) Matrix(level int) (cols, rows int) {
	upp, ok := s.resolution(level)
	if !ok {
		return 0, 0
	}
	span := float64(s.TileSize) * upp
	cols = int(math.Ceil(s.Extent.Width() / span))
	rows = int(math.Ceil(s.Extent.Height() / span))
	return cols, rows
}

// Contains reports whether idx addresses a tile that exists in the schema.
func (s Schema) Contains(idx Index) bool {
	cols, rows := s.Matrix(idx.Level)
	return idx.Col >= 0 && idx.Row >= 0 && idx.Col < cols && idx.Row < rows
}

// TileExtent returns the area covered by idx in schema units. Edge tiles may
// extend past the schema extent.
func (s Schema) TileExtent(idx Index) Extent {
	upp, _ := s.resolution(idx.Level)
	span := float64(s.TileSize) * upp
	return Extent{
		MinX: s.Extent.MinX + float64(idx.Col)*span,
		MinY: s.Extent.MinY + float64(idx.Row)*span,
		MaxX: s.Extent.MinX + float64(idx.Col+1)*span,
		MaxY: s.Extent.MinY + float64(idx.Row+1)*span,
	}
}

// Range is an inclusive block of columns and rows at one level.
type Range struct {
	Level          int
	MinCol, MinRow int
	MaxCol, MaxRow int
}

// Grow widens r by n tiles on every side, clipped to the level's matrix.
func (s Schema) Grow(r Range, n int) Range {
	cols, rows := s.Matrix(r.Level)
	r.MinCol = max(0, r.MinCol-n)
	r.MinRow = max(0, r.MinRow-n)
	r.MaxCol = min(cols-1, r.MaxCol+n)
	r.MaxRow = min(rows-1, r.MaxRow+n)
	return r
}

// Indices lists r row by row.
func (r Range) Indices() []Index {
	if r.MaxCol < r.MinCol || r.MaxRow < r.MinRow {
		return nil
	}
	out := make([]Index, 0, (r.MaxCol-r.MinCol+1)*(r.MaxRow-r.MinRow+1))
	for row := r.MinRow; row <= r.MaxRow; row++ {
		for col := r.MinCol; col <= r.MaxCol; col++ {
			out = append(out, Index{Level: r.Level, Col: col, Row: row})
		}
	}
	return out
}

// TileRange returns the tiles at level that intersect extent.
func (s Schema) TileRange(extent Extent, level int) (Range, bool) {
	upp, ok := s.resolution(level)
	if !ok {
		return Range{}, false
	}
	clipped, ok := extent.Intersection(s.Extent)
	if !ok {
		return Range{}, false
	}
	cols, rows := s.Matrix(level)
	span := float64(s.TileSize) * upp

	r := Range{
		Level:  level,
		MinCol: int(math.Floor((clipped.MinX - s.Extent.MinX) / span)),
		MinRow: int(math.Floor((clipped.MinY - s.Extent.MinY) / span)),
		MaxCol: int(math.Ceil((clipped.MaxX-s.Extent.MinX)/span)) - 1,
		MaxRow: int(math.Ceil((clipped.MaxY-s.Extent.MinY)/span)) - 1,
	}
	r.MinCol = max(0, r.MinCol)
	r.MinRow = max(0, r.MinRow)
	r.MaxCol = min(cols-1, r.MaxCol)
	r.MaxRow = min(rows-1, r.MaxRow)
	return r, r.MaxCol >= r.MinCol && r.MaxRow >= r.MinRow
}
