// Package catalog keeps track of the source images in the data directory.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tilefetch/internal/tile"
)

// Extensions lists the image formats picked up by Scan.
var Extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// Probe reads the pixel size of an image file.
type Probe func(path string) (width, height int, err error)

// FeaturesSuffix marks annotation files, which live next to the image
// sidecars but are not sidecars themselves.
const FeaturesSuffix = ".features.json"

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// Schema returns the deep-zoom tile schema of the image.
func (i ImageInfo) Schema(tileSize int) tile.Schema {
	return tile.NewImageSchema(i.ID, i.Width, i.Height, tileSize, "jpeg")
}

type Catalog struct {
	dataDir string
	logger  *zap.Logger
	probe   Probe

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, probe Probe, logger *zap.Logger) *Catalog {
	return &Catalog{
		dataDir: dataDir,
		logger:  logger,
		probe:   probe,
	}
}

// Scan rebuilds the image list. Images without a sidecar are renamed to a
// fresh uuid and get one written; sidecars that are invalid or point to a
// missing image are deleted first.
func (c *Catalog) Scan() error {
	if err := c.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := c.filePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !Extensions[ext] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			c.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := c.filePath(basename + ".json")

		var image *ImageInfo
		if _, err := os.Stat(jsonPath); err != nil {
			image, err = c.migrate(path, ext, info)
			if err != nil {
				c.logger.Warn("Failed to add image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			image, err = loadMetadata(jsonPath)
			if err != nil {
				c.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		images = append(images, *image)
	}

	c.mu.Lock()
	c.images = images
	c.mu.Unlock()

	c.logger.Info("Scanned images", zap.String("data_dir", c.dataDir), zap.Int("count", len(images)))
	return nil
}

func (c *Catalog) migrate(path, ext string, info os.FileInfo) (*ImageInfo, error) {
	id := uuid.New().String()
	finalPath := c.filePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	c.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	width, height, err := c.probe(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	image := &ImageInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bytes:            info.Size(),
	}

	jsonPath := c.filePath(id + ".json")
	if err := saveMetadata(jsonPath, image); err != nil {
		c.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		c.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return image, nil
}

func (c *Catalog) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.ToLower(filepath.Ext(name)) != ".json" || strings.HasSuffix(name, FeaturesSuffix) {
			continue
		}

		path := c.filePath(name)
		id := strings.TrimSuffix(name, filepath.Ext(name))

		meta, err := loadMetadata(path)
		switch {
		case err != nil:
			c.remove(path, "Deleted invalid JSON file")
		case meta.ID != id:
			c.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", id),
				zap.String("json_uuid", meta.ID))
			c.remove(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(c.filePath(meta.CurrentFilename)); err != nil {
				c.remove(path, "Deleted orphaned JSON file")
			}
		}
	}
	return nil
}

func (c *Catalog) remove(path, msg string) {
	if err := os.Remove(path); err != nil {
		c.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info(msg, zap.String("path", path))
}

func (c *Catalog) Images() []ImageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ImageInfo(nil), c.images...)
}

func (c *Catalog) Image(id string) (ImageInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, img := range c.images {
		if img.ID == id {
			return img, true
		}
	}
	return ImageInfo{}, false
}

// Path returns the location of the image file, or "" for an unknown id.
func (c *Catalog) Path(id string) string {
	img, ok := c.Image(id)
	if !ok {
		return ""
	}
	return c.filePath(img.CurrentFilename)
}

// FeaturesPath returns where the annotations of image id are kept.
func (c *Catalog) FeaturesPath(id string) string {
	return c.filePath(id + FeaturesSuffix)
}

func (c *Catalog) filePath(filename string) string {
	return filepath.Join(c.dataDir, filename)
}

func loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}
