package geo

import (
	"sort"

	"github.com/golang/geo/s2"
)

// coveringMaxCells bounds how many s2 cells a query box is covered with.
const coveringMaxCells = 16

type indexEntry struct {
	cell s2.CellID
	id   string
}

// Index keeps ids ordered by the s2 leaf cell of their position, so a box
// query scans only the cell ranges of the box's covering.
// It is not safe for concurrent use; callers guard it with their own lock.
type Index struct {
	entries []indexEntry // ordered by cell, then id
	points  map[string]Coordinate
	coverer *s2.RegionCoverer
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		points:  make(map[string]Coordinate),
		coverer: &s2.RegionCoverer{MinLevel: 0, MaxLevel: s2.MaxLevel, LevelMod: 1, MaxCells: coveringMaxCells},
	}
}

// CellID returns the s2 leaf cell containing c.
func CellID(c Coordinate) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(c.Lat, c.Lng))
}

// Len returns the number of indexed ids.
func (x *Index) Len() int { return len(x.points) }

func (x *Index) search(cell s2.CellID, id string) int {
	return sort.Search(len(x.entries), func(i int) bool {
		e := x.entries[i]
		return e.cell > cell || (e.cell == cell && e.id >= id)
	})
}

// Insert indexes id at c, replacing any previous position.
func (x *Index) Insert(id string, c Coordinate) {
	x.Remove(id)
	e := indexEntry{cell: CellID(c), id: id}
	i := x.search(e.cell, id)
	x.entries = append(x.entries, indexEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = e
	x.points[id] = c
}

// Remove drops id from the index. Unknown ids are ignored.
func (x *Index) Remove(id string) {
	c, ok := x.points[id]
	if !ok {
		return
	}
	cell := CellID(c)
	if i := x.search(cell, id); i < len(x.entries) && x.entries[i].id == id {
		x.entries = append(x.entries[:i], x.entries[i+1:]...)
	}
	delete(x.points, id)
}

// Candidates returns the ids whose position lies inside box, sorted.
func (x *Index) Candidates(box BoundingBox) []string {
	var out []string
	for _, cell := range x.coverer.Covering(box.rect()) {
		lo, hi := cell.RangeMin(), cell.RangeMax()
		i := sort.Search(len(x.entries), func(i int) bool { return x.entries[i].cell >= lo })
		for ; i < len(x.entries) && x.entries[i].cell <= hi; i++ {
			id := x.entries[i].id
			if box.Contains(x.points[id]) {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return dedupe(out)
}

func dedupe(sorted []string) []string {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, id := range sorted[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
