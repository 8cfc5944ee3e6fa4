// Package region partitions the world grid into square regions and tracks
// which connections occupy each one.
package region

import (
	"sort"
	"sync"
)

// DefaultSize is the edge length of a region in tiles.
const DefaultSize = 48

// Index maps connection ids to regions of a width × height tile grid.
// Regions are numbered row-major from the top-left corner.
// All methods are safe for concurrent use.
type Index struct {
	size int
	cols int
	rows int

	mu       sync.RWMutex
	members  map[int]map[string]bool // region → set of ids
	regionOf map[string]int          // id → region
}

// New creates an empty Index over a mapWidth × mapHeight grid.
//
// Precondition: mapWidth and mapHeight must be > 0.
// Postcondition: A non-positive regionSize falls back to DefaultSize.
func New(mapWidth, mapHeight, regionSize int) *Index {
	if regionSize <= 0 {
		regionSize = DefaultSize
	}
	return &Index{
		size:     regionSize,
		cols:     (mapWidth + regionSize - 1) / regionSize,
		rows:     (mapHeight + regionSize - 1) / regionSize,
		members:  make(map[int]map[string]bool),
		regionOf: make(map[string]int),
	}
}

// Regions returns the number of regions in the grid.
func (x *Index) Regions() int { return x.cols * x.rows }

// RegionAt returns the region containing tile (gx, gy), or -1 when the tile
// lies outside the grid.
func (x *Index) RegionAt(gx, gy int) int {
	if gx < 0 || gy < 0 {
		return -1
	}
	rx, ry := gx/x.size, gy/x.size
	if rx >= x.cols || ry >= x.rows {
		return -1
	}
	return ry*x.cols + rx
}

// Move places id in region, removing it from its previous region.
//
// Postcondition: Returns the previous region, or -1 if id was not indexed.
// A negative or out-of-range region removes id.
func (x *Index) Move(id string, region int) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	old, had := x.regionOf[id]
	if had {
		x.leaveLocked(id, old)
	} else {
		old = -1
	}
	if !x.valid(region) {
		return old
	}
	if x.members[region] == nil {
		x.members[region] = make(map[string]bool)
	}
	x.members[region][id] = true
	x.regionOf[id] = region
	return old
}

// Remove drops id from the index.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if r, ok := x.regionOf[id]; ok {
		x.leaveLocked(id, r)
	}
}

func (x *Index) leaveLocked(id string, region int) {
	delete(x.regionOf, id)
	if set, ok := x.members[region]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(x.members, region)
		}
	}
}

// RegionOf returns the region id occupies.
func (x *Index) RegionOf(id string) (int, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	r, ok := x.regionOf[id]
	return r, ok
}

// Players returns the ids in region, sorted.
func (x *Index) Players(region int) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.collectLocked([]int{region})
}

// Surrounding returns the ids in region and the up to eight regions around
// it, sorted. A region outside the grid yields nil.
func (x *Index) Surrounding(region int) []string {
	if !x.valid(region) {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.collectLocked(x.Neighbours(region))
}

// Neighbours returns region and its in-grid neighbours in ascending order.
func (x *Index) Neighbours(region int) []int {
	if !x.valid(region) {
		return nil
	}
	rx, ry := region%x.cols, region/x.cols
	out := make([]int, 0, 9)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			nx, ny := rx+dx, ry+dy
			if nx < 0 || ny < 0 || nx >= x.cols || ny >= x.rows {
				continue
			}
			out = append(out, ny*x.cols+nx)
		}
	}
	return out
}

func (x *Index) collectLocked(regions []int) []string {
	var out []string
	for _, r := range regions {
		for id := range x.members[r] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (x *Index) valid(region int) bool {
	return region >= 0 && region < x.cols*x.rows
}
