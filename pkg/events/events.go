// Package events provides a typed publish-subscribe bus used to decouple
// the server's internal components (worker pool, cluster supervisor,
// pre-compiler, cache) from one another. Producers publish a typed Event;
// subscribers register for specific Types over a bounded channel and
// receive a Token they can later use to unsubscribe.
package events

import (
	"time"
)

// Type identifies the kind of event carried on the bus.
type Type string

const (
	// TypeRouteStatsUpdated fires whenever the pre-compiler updates a
	// route's sliding-window hit statistics.
	TypeRouteStatsUpdated Type = "route.stats_updated"
	// TypeRoutePromoted fires when a route crosses a promotion threshold.
	TypeRoutePromoted Type = "route.promoted"
	// TypeRouteDemoted fires when a route cools down below its hysteresis
	// low-water mark and is demoted a level.
	TypeRouteDemoted Type = "route.demoted"

	// TypeWorkerReady fires when a cluster worker completes its initial
	// handshake and reports ready to receive work.
	TypeWorkerReady Type = "worker.ready"
	// TypeWorkerCrashed fires when a cluster worker process exits
	// unexpectedly.
	TypeWorkerCrashed Type = "worker.crashed"
	// TypeWorkerParked fires when a worker is deliberately held out of
	// rotation (e.g. exceeded its restart budget).
	TypeWorkerParked Type = "worker.parked"

	// TypeCacheEntryEvicted fires when the response cache evicts an entry,
	// whether by TTL expiry, LRU pressure, or tag invalidation.
	TypeCacheEntryEvicted Type = "cache.entry_evicted"
	// TypeCacheBuildFailed fires when a singleflight cache build fails.
	TypeCacheBuildFailed Type = "cache.build_failed"

	// TypeAdminBroadcast fires on a worker when the supervisor fans out an
	// administrative WORK_BROADCAST command (e.g. "flush_cache",
	// "rotate_log") to it. Never used for HTTP request traffic.
	TypeAdminBroadcast Type = "admin.broadcast"
)

// Event is a single message published on the bus.
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string
	Payload   any
}

// RouteStatsPayload is the Payload for TypeRouteStatsUpdated.
type RouteStatsPayload struct {
	Pattern      string
	HitsInWindow int
	WindowStart  time.Time
}

// RoutePromotionPayload is the Payload for TypeRoutePromoted/TypeRouteDemoted.
type RoutePromotionPayload struct {
	Pattern  string
	FromTier string
	ToTier   string
}

// WorkerPayload is the Payload for worker lifecycle events.
type WorkerPayload struct {
	WorkerID int
	PID      int
	Reason   string
}

// CacheEvictionPayload is the Payload for TypeCacheEntryEvicted.
type CacheEvictionPayload struct {
	KeyHash string
	Tags    []string
	Reason  string // "ttl", "lru", "tag_invalidate", "manual"
}

// AdminBroadcastPayload is the Payload for TypeAdminBroadcast.
type AdminBroadcastPayload struct {
	Command string
	Args    []byte
}

// New builds an Event stamped with the current time.
func New(typ Type, source string, payload any) Event {
	return Event{
		Type:      typ,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}
