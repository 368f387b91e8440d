// Package tile holds the value types shared by the fetch pipeline and its
// tile sources: tile indices, extents, schemas and the strategies that turn a
// viewport into the set of tiles it needs.
package tile

import "fmt"

// Index addresses one tile of a schema. Level 0 is the coarsest level.
type Index struct {
	Level int `json:"z"`
	Col   int `json:"x"`
	Row   int `json:"y"`
}

func (i Index) String() string {
	return fmt.Sprintf("%d/%d/%d", i.Level, i.Col, i.Row)
}
