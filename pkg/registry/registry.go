// Package registry tracks worker node liveness from periodic heartbeats.
// Staleness is evaluated against the threshold at query time; entries are
// never proactively evicted.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/strato-cloud/strato/pkg/telemetry"
)

// retention bounds cache memory for nodes that stop reporting entirely.
// It is deliberately much larger than any sane liveness threshold so the
// cache never decides staleness on its own.
const retention = 24 * time.Hour

// Heartbeat is one recorded report from a worker node.
type Heartbeat struct {
	// Node is the reporting worker's identifier.
	Node string `json:"node"`

	// Role is the worker topic the node serves.
	Role string `json:"role"`

	// Reports counts heartbeats received from this node/role pair.
	Reports uint64 `json:"reports"`

	// LastSeen is when the latest report arrived.
	LastSeen time.Time `json:"last_seen"`
}

// Registry records heartbeats per node and role and answers liveness
// queries. A node is up for a role if now minus its last report is within
// the threshold.
type Registry struct {
	cache   *ttlcache.Cache[string, *Heartbeat]
	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	// threshold holds the staleness threshold in nanoseconds, hot-reloadable.
	threshold atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

// New creates a liveness registry with the given staleness threshold.
func New(threshold time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *Registry {
	cache := ttlcache.New[string, *Heartbeat](
		ttlcache.WithTTL[string, *Heartbeat](retention),
		ttlcache.WithDisableTouchOnHit[string, *Heartbeat](),
	)

	r := &Registry{
		cache:   cache,
		metrics: metrics,
		logger:  logger.NewComponentLogger("registry"),
		now:     time.Now,
	}
	r.threshold.Store(int64(threshold))
	return r
}

// SetThreshold replaces the staleness threshold. Safe to call while queries
// are running; used by config hot reload.
func (r *Registry) SetThreshold(threshold time.Duration) {
	r.threshold.Store(int64(threshold))
	r.logger.WithField("threshold", threshold.String()).Info("liveness threshold updated")
}

// Threshold returns the current staleness threshold.
func (r *Registry) Threshold() time.Duration {
	return time.Duration(r.threshold.Load())
}

func key(role, node string) string {
	return role + "/" + node
}

// Report records a heartbeat from a node for a role, incrementing its
// report counter.
func (r *Registry) Report(node, role string) {
	k := key(role, node)

	var reports uint64 = 1
	if item := r.cache.Get(k); item != nil {
		reports = item.Value().Reports + 1
	}

	r.cache.Set(k, &Heartbeat{
		Node:     node,
		Role:     role,
		Reports:  reports,
		LastSeen: r.now(),
	}, retention)

	if r.metrics != nil {
		r.metrics.RecordHeartbeat(role)
	}
	r.logger.WithNode(node).WithField("role", role).Trace("heartbeat recorded")
}

// ListUp returns the nodes currently up for a role, sorted for determinism.
func (r *Registry) ListUp(role string) []string {
	threshold := r.Threshold()
	cutoff := r.now().Add(-threshold)

	nodes := []string{}
	r.cache.Range(func(item *ttlcache.Item[string, *Heartbeat]) bool {
		hb := item.Value()
		if hb.Role == role && !hb.LastSeen.Before(cutoff) {
			nodes = append(nodes, hb.Node)
		}
		return true
	})
	sort.Strings(nodes)

	if r.metrics != nil {
		r.metrics.SetNodesUp(role, len(nodes))
	}
	return nodes
}

// Count returns the number of reports received from a node for a role.
// Zero means the node has never reported.
func (r *Registry) Count(node, role string) uint64 {
	item := r.cache.Get(key(role, node))
	if item == nil {
		return 0
	}
	return item.Value().Reports
}

// Snapshot returns all recorded heartbeats regardless of staleness, for
// operator inspection.
func (r *Registry) Snapshot() []Heartbeat {
	heartbeats := []Heartbeat{}
	r.cache.Range(func(item *ttlcache.Item[string, *Heartbeat]) bool {
		heartbeats = append(heartbeats, *item.Value())
		return true
	})
	sort.Slice(heartbeats, func(i, j int) bool {
		if heartbeats[i].Role != heartbeats[j].Role {
			return heartbeats[i].Role < heartbeats[j].Role
		}
		return heartbeats[i].Node < heartbeats[j].Node
	})
	return heartbeats
}
