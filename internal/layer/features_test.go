package layer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tilefetch/internal/fetch"
	"tilefetch/internal/provider"
	"tilefetch/internal/tile"
)

func TestFeatureLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "img.features.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "left", "extent": {"min_x": 0, "min_y": 0, "max_x": 100, "max_y": 100}},
		{"id": "right", "extent": {"min_x": 900, "min_y": 0, "max_x": 1000, "max_y": 100}}
	]`), 0644))

	log := zaptest.NewLogger(t)
	l := NewFeatureLayer(context.Background(), provider.NewAnnotationSource(path, tile.CRSPixel, log), log)
	defer l.Close()

	left := tile.FetchInfo{Extent: tile.Extent{MaxX: 500, MaxY: 600}, Resolution: 1, CRS: tile.CRSPixel}
	l.SetViewport(left)
	l.Wait()

	features, info := l.Features()
	require.Len(t, features, 1)
	assert.Equal(t, "left", features[0].ID)
	assert.Equal(t, left, info)
}

func TestFeatureLayer_IgnoresStaleResults(t *testing.T) {
	l := NewFeatureLayer(context.Background(), nil, zaptest.NewLogger(t))
	defer l.Close()

	newer := tile.FetchInfo{Resolution: 2}
	older := tile.FetchInfo{Resolution: 1}
	l.accept(2, fetch.Result[[]provider.Feature]{Info: newer, Value: []provider.Feature{{ID: "new"}}})
	l.accept(1, fetch.Result[[]provider.Feature]{Info: older, Value: []provider.Feature{{ID: "old"}}})
	l.accept(3, fetch.Result[[]provider.Feature]{Info: older, Err: assert.AnError})

	features, info := l.Features()
	assert.Equal(t, newer, info)
	require.Len(t, features, 1)
	assert.Equal(t, "new", features[0].ID)
}

type countingFeatures struct{ calls atomic.Int32 }

func (c *countingFeatures) Fetch(_ context.Context, info tile.FetchInfo) ([]provider.Feature, error) {
	c.calls.Add(1)
	return []provider.Feature{{ID: "f"}}, nil
}

func TestFeatureLayer_SetViewportAfterCloseIsIgnored(t *testing.T) {
	src := &countingFeatures{}
	l := NewFeatureLayer(context.Background(), src, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.SetViewport(tile.FetchInfo{Resolution: float64(i + 1)})
		}(i)
	}
	require.NoError(t, l.Close())
	wg.Wait()
	before := src.calls.Load()

	l.SetViewport(tile.FetchInfo{Resolution: 100})
	l.Wait()
	assert.Equal(t, before, src.calls.Load())
	_, info := l.Features()
	assert.NotEqual(t, float64(100), info.Resolution)
}
