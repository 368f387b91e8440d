package tile

import "math"

// Extent is an axis-aligned box in schema units. For image schemas the unit
// is a source pixel and Y grows downwards.
type Extent struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

func (e Extent) Width() float64  { return e.MaxX - e.MinX }
func (e Extent) Height() float64 { return e.MaxY - e.MinY }

// IsEmpty reports whether e covers no area.
func (e Extent) IsEmpty() bool {
	return !(e.MaxX > e.MinX && e.MaxY > e.MinY) ||
		math.IsNaN(e.MinX) || math.IsNaN(e.MinY) || math.IsNaN(e.MaxX) || math.IsNaN(e.MaxY)
}

func (e Extent) Intersects(o Extent) bool {
	return e.MinX < o.MaxX && o.MinX < e.MaxX && e.MinY < o.MaxY && o.MinY < e.MaxY
}

// Intersection returns the overlap of e and o and false when they are disjoint.
func (e Extent) Intersection(o Extent) (Extent, bool) {
	r := Extent{
		MinX: math.Max(e.MinX, o.MinX),
		MinY: math.Max(e.MinY, o.MinY),
		MaxX: math.Min(e.MaxX, o.MaxX),
		MaxY: math.Min(e.MaxY, o.MaxY),
	}
	if r.IsEmpty() {
		return Extent{}, false
	}
	return r, true
}
