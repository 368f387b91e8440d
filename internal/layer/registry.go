package layer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"tilefetch/internal/catalog"
	"tilefetch/internal/tile"
)

// Layer groups what is served for one image.
type Layer struct {
	Image    catalog.ImageInfo
	Tiles    *TileLayer
	Features *FeatureLayer
}

// SetViewport moves both the tile and the feature viewport.
func (l *Layer) SetViewport(info tile.FetchInfo) {
	l.Tiles.SetViewport(info)
	if l.Features != nil {
		l.Features.SetViewport(info)
	}
}

func (l *Layer) Close() error {
	err := l.Tiles.Close()
	if l.Features != nil {
		err = multierr.Append(err, l.Features.Close())
	}
	return err
}

type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	layers map[string]*Layer
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, layers: make(map[string]*Layer)}
}

func (r *Registry) Add(l *Layer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.layers[l.Image.ID]; ok {
		return fmt.Errorf("layer %s already registered", l.Image.ID)
	}
	r.layers[l.Image.ID] = l
	return nil
}

func (r *Registry) Get(id string) (*Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[id]
	return l, ok
}

// List returns the layers ordered by id.
func (r *Registry) List() []*Layer {
	r.mu.RLock()
	out := make([]*Layer, 0, len(r.layers))
	for _, l := range r.layers {
		out = append(out, l)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Image.ID < out[j].Image.ID })
	return out
}

// Warmup loads the first levels of every layer. At most limit layers are
// warmed up at the same time.
func (r *Registry) Warmup(ctx context.Context, levels, limit int) error {
	return warmup(ctx, r.List(), levels, limit, r.logger)
}

// Close closes every layer and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	layers := r.layers
	r.layers = make(map[string]*Layer)
	r.mu.Unlock()

	var err error
	for id, l := range layers {
		if cerr := l.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close layer %s: %w", id, cerr))
		}
	}
	return err
}
