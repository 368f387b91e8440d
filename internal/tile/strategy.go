package tile

// Strategy decides which tiles should be present for an extent at a level.
// Implementations must be pure: no I/O and no state shared between calls, so
// they can be invoked while the dispatcher holds its lock.
type Strategy interface {
	Get(schema Schema, extent Extent, level int) []Index
}

// MinimalStrategy returns exactly the tiles at level that intersect extent.
type MinimalStrategy struct{}

func (MinimalStrategy) Get(schema Schema, extent Extent, level int) []Index {
	r, ok := schema.TileRange(extent, level)
	if !ok {
		return nil
	}
	return r.Indices()
}

// PrefetchStrategy extends the visible tiles with a ring of Margin neighbours
// and with the covering tiles of up to ParentLevels coarser levels, so that
// small pans and zoom-outs find their data already cached. Visible tiles come
// first in the result.
type PrefetchStrategy struct {
	Margin       int
	ParentLevels int
}

func (p PrefetchStrategy) Get(schema Schema, extent Extent, level int) []Index {
	r, ok := schema.TileRange(extent, level)
	if !ok {
		return nil
	}

	seen := make(map[Index]struct{})
	var out []Index
	add := func(idx []Index) {
		for _, i := range idx {
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, i)
		}
	}

	add(r.Indices())
	if p.Margin > 0 {
		add(schema.Grow(r, p.Margin).Indices())
	}
	for l := level - 1; l >= 0 && l >= level-p.ParentLevels; l-- {
		if pr, ok := schema.TileRange(extent, l); ok {
			add(pr.Indices())
		}
	}
	return out
}

// Planner turns a FetchInfo into the tiles a schema needs for it by picking
// the nearest level and asking the strategy.
type Planner struct {
	Schema   Schema
	Strategy Strategy
}

func (p Planner) Plan(info FetchInfo) []Index {
	if info.CRS != "" && p.Schema.CRS != "" && info.CRS != p.Schema.CRS {
		return nil
	}
	level := p.Schema.NearestLevel(info.Resolution)
	if level < 0 {
		return nil
	}
	strategy := p.Strategy
	if strategy == nil {
		strategy = MinimalStrategy{}
	}
	return strategy.Get(p.Schema, info.Extent, level)
}
