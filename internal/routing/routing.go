// Package routing implements the BATMAN-lite neighbor set and per-origin
// best-next-hop table described in spec.md §4.5. It is mutated exclusively
// by the mesh receive worker; every other caller gets a snapshot.
package routing

import (
	"sync"
	"time"

	"github.com/KD9YQK/ax25meshchat/internal/callsign"
)

// Neighbor is a one-hop peer observed via OGM reception.
type Neighbor struct {
	NeighborID callsign.ID
	LastSeen   time.Time
	Metric     uint8
	LinkName   string
}

// Route is the current best path to an origin.
type Route struct {
	NextHop callsign.ID
	Metric  uint8
	Updated time.Time
}

// Table holds the neighbor set and the per-origin route table.
type Table struct {
	mu              sync.RWMutex
	neighbors       map[callsign.ID]Neighbor
	routes          map[callsign.ID]Route
	neighborTimeout time.Duration
	now             func() time.Time
}

// New returns an empty Table. A neighbor not refreshed within
// neighborTimeout is dropped on the next ExpireStale call.
func New(neighborTimeout time.Duration) *Table {
	return NewWithClock(neighborTimeout, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(neighborTimeout time.Duration, now func() time.Time) *Table {
	return &Table{
		neighbors:       make(map[callsign.ID]Neighbor),
		routes:          make(map[callsign.ID]Route),
		neighborTimeout: neighborTimeout,
		now:             now,
	}
}

// CombineMetric is the OGM metric combining function: saturating addition
// of the local link metric and the metric already advertised in the OGM.
// This is monotone (a path never gets cheaper by adding a hop) and bounded
// (it saturates at 255 instead of wrapping), so the routing table
// converges per spec.md §9's open question.
func CombineMetric(linkMetric, advertisedMetric uint8) uint8 {
	sum := int(linkMetric) + int(advertisedMetric)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

// AcceptOGM records that an OGM about originID arrived from neighborID on
// linkName, with linkMetric being this node's local assessment of the
// reception quality on that link, and advertisedMetric being the
// CumulativeMetric the OGM body carried. It always updates the neighbor
// entry, and updates the route to originID only if the combined metric
// beats (strictly) the current best. On a tie, the existing route is kept
// (stability over churn, per spec.md §4.5).
//
// It returns the combined metric, which the caller re-encodes into the
// OGM body before forwarding — forwarding itself is unconditional (loop
// prevention is dedup's job, not this table's), matching spec.md §4.6.
func (t *Table) AcceptOGM(neighborID callsign.ID, linkName string, linkMetric uint8, originID callsign.ID, advertisedMetric uint8) (combined uint8, routeUpdated bool) {
	now := t.now()
	combined = CombineMetric(linkMetric, advertisedMetric)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.neighbors[neighborID] = Neighbor{
		NeighborID: neighborID,
		LastSeen:   now,
		Metric:     linkMetric,
		LinkName:   linkName,
	}

	current, exists := t.routes[originID]
	if !exists || combined < current.Metric {
		t.routes[originID] = Route{NextHop: neighborID, Metric: combined, Updated: now}
		return combined, true
	}
	return combined, false
}

// NextHop returns the current best next hop for origin, if any.
func (t *Table) NextHop(origin callsign.ID) (callsign.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[origin]
	return r.NextHop, ok
}

// Neighbors returns a snapshot of the current neighbor set.
func (t *Table) Neighbors() []Neighbor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		out = append(out, n)
	}
	return out
}

// Routes returns a snapshot of the current route table.
func (t *Table) Routes() map[callsign.ID]Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[callsign.ID]Route, len(t.routes))
	for k, v := range t.routes {
		out[k] = v
	}
	return out
}

// IsNeighbor reports whether id is a currently-live neighbor.
func (t *Table) IsNeighbor(id callsign.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.neighbors[id]
	return ok
}

// ExpireStale drops neighbors that haven't been refreshed within
// neighborTimeout, and invalidates any route whose next hop is no longer a
// live neighbor. It returns the number of neighbors and routes dropped.
func (t *Table) ExpireStale() (neighborsDropped, routesDropped int) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, n := range t.neighbors {
		if now.Sub(n.LastSeen) > t.neighborTimeout {
			delete(t.neighbors, id)
			neighborsDropped++
		}
	}
	for origin, r := range t.routes {
		if _, ok := t.neighbors[r.NextHop]; !ok {
			delete(t.routes, origin)
			routesDropped++
		}
	}
	return neighborsDropped, routesDropped
}
