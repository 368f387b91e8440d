package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"tilefetch/internal/tile"
)

// DiskSource serves tiles stored as {dir}/{z}/{x}_{y}.{format}.
type DiskSource struct {
	mu     sync.RWMutex
	dir    string
	format string
}

func NewDiskSource(dir, format string) (*DiskSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}
	if format == "" {
		format = "jpeg"
	}
	return &DiskSource{dir: dir, format: format}, nil
}

func (d *DiskSource) Name() string { return "disk:" + d.dir }

func (d *DiskSource) path(idx tile.Index) string {
	return filepath.Join(d.dir, fmt.Sprintf("%d", idx.Level), fmt.Sprintf("%d_%d.%s", idx.Col, idx.Row, d.format))
}

func (d *DiskSource) Fetch(ctx context.Context, idx tile.Index) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.path(idx))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(idx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", idx, err)
	}
	return data, nil
}

// Store writes a tile atomically.
func (d *DiskSource) Store(idx tile.Index, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	filePath := d.path(idx)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}
	return nil
}

// Clear deletes every stored tile.
func (d *DiskSource) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.RemoveAll(d.dir); err != nil {
		return err
	}
	return os.MkdirAll(d.dir, 0755)
}
