package reconcile

import (
	"strings"
	"sync"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// memo is a read-through cache. Two goroutines may compute the same key
// concurrently; both store the same value.
type memo[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newMemo[V any]() *memo[V] {
	return &memo[V]{m: make(map[string]V)}
}

func (c *memo[V]) get(key string, compute func(string) V) V {
	c.mu.RLock()
	v, ok := c.m[key]
	c.mu.RUnlock()
	if ok {
		return v
	}
	v = compute(key)
	c.mu.Lock()
	c.m[key] = v
	c.mu.Unlock()
	return v
}

func (c *memo[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// RunContext holds the mapping snapshot and memo tables of one run.
// Create a new one for every run; mappings may change in between.
type RunContext struct {
	floor map[string]domain.LocationInfo
	hq    map[string]domain.LocationInfo

	costCenters *memo[Resolution]
	orders      *memo[orderHit]
	departments *memo[string]
}

// NewRunContext indexes the floor and HQ mapping tables.
// Later entries win when a key repeats.
func NewRunContext(floor, hq []domain.MappingEntry) *RunContext {
	rc := &RunContext{
		floor:       make(map[string]domain.LocationInfo, len(floor)),
		hq:          make(map[string]domain.LocationInfo, len(hq)),
		costCenters: newMemo[Resolution](),
		orders:      newMemo[orderHit](),
		departments: newMemo[string](),
	}
	for _, e := range floor {
		if k := strings.TrimSpace(e.Key); k != "" {
			rc.floor[k] = e.LocationInfo
		}
	}
	for _, e := range hq {
		if k := normalizeCode(e.Key); k != "" {
			rc.hq[k] = e.LocationInfo
		}
	}
	return rc
}

// Resolve maps a raw cost center to a location, memoized per raw input.
func (rc *RunContext) Resolve(costCenter string) Resolution {
	return rc.costCenters.get(costCenter, func(code string) Resolution {
		return ResolveCostCenter(code, rc.floor, rc.hq)
	})
}

// OrderNumber extracts the order number from a posting text, memoized.
func (rc *RunContext) OrderNumber(text string) (int, bool) {
	hit := rc.orderHit(text)
	return hit.order, hit.ok
}

func (rc *RunContext) orderHit(text string) orderHit {
	return rc.orders.get(text, func(s string) orderHit {
		candidates := OrderNumberCandidates(s)
		if len(candidates) == 0 {
			return orderHit{}
		}
		return orderHit{order: candidates[0], ok: true, candidates: len(candidates)}
	})
}

// Department infers the department of a group-membership field, memoized.
func (rc *RunContext) Department(groupMembership string) string {
	return rc.departments.get(groupMembership, InferDepartment)
}

// CacheSizes reports the number of memoized entries, for run logs.
func (rc *RunContext) CacheSizes() (costCenters, orders, departments int) {
	return rc.costCenters.len(), rc.orders.len(), rc.departments.len()
}
