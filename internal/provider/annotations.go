package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"tilefetch/internal/tile"
)

// Feature is one annotation drawn on top of an image.
type Feature struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Extent tile.Extent `json:"extent"`
}

// AnnotationSource answers spatial queries from a JSON file holding a list of
// features. The file is re-read on every query so edits show up without a
// restart; a missing file means no features.
type AnnotationSource struct {
	path   string
	crs    string
	logger *zap.Logger
}

func NewAnnotationSource(path, crs string, logger *zap.Logger) *AnnotationSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnnotationSource{path: path, crs: crs, logger: logger}
}

func (a *AnnotationSource) Fetch(ctx context.Context, info tile.FetchInfo) ([]Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if info.CRS != "" && a.crs != "" && info.CRS != a.crs {
		return nil, nil
	}

	data, err := os.ReadFile(a.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}

	var all []Feature
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed to parse annotations: %w", err)
	}

	var out []Feature
	for _, f := range all {
		if f.Extent.Intersects(info.Extent) {
			out = append(out, f)
		}
	}
	a.logger.Debug("Queried annotations", zap.String("path", a.path), zap.Int("total", len(all)), zap.Int("matched", len(out)))
	return out, nil
}
