package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard attribute keys used across server spans.
const (
	// Route/request.
	AttrHTTPMethod   = "http.method"
	AttrRoutePattern = "route.pattern"
	AttrRouteParams  = "route.param_count"
	AttrStatusCode   = "http.status_code"

	// Worker pool.
	AttrWorkerPool   = "worker.pool"
	AttrWorkerID     = "worker.id"
	AttrTaskPriority = "task.priority"
	AttrQueueWaitMs  = "task.queue_wait_ms"

	// Cache.
	AttrCacheKeyHash = "cache.key_hash"
	AttrCacheHit     = "cache.hit"
	AttrCacheTags    = "cache.tags"

	// Cluster.
	AttrClusterMsgType  = "cluster.msg_type"
	AttrClusterWorkerID = "cluster.worker_id"

	// Pre-compiler.
	AttrPromotionLevel = "precompiler.level"
)

// RouteAttributes returns attributes describing a matched route.
func RouteAttributes(method, pattern string, paramCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrRoutePattern, pattern),
		attribute.Int(AttrRouteParams, paramCount),
	}
}

// WorkerTaskAttributes returns attributes describing a worker pool task.
func WorkerTaskAttributes(pool string, workerID int, priority int, queueWaitMs int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWorkerPool, pool),
		attribute.Int(AttrWorkerID, workerID),
		attribute.Int(AttrTaskPriority, priority),
		attribute.Int64(AttrQueueWaitMs, queueWaitMs),
	}
}

// CacheAttributes returns attributes describing a cache lookup.
func CacheAttributes(keyHash string, hit bool, tags []string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCacheKeyHash, keyHash),
		attribute.Bool(AttrCacheHit, hit),
		attribute.StringSlice(AttrCacheTags, tags),
	}
}

// ClusterAttributes returns attributes describing a cluster IPC message.
func ClusterAttributes(msgType string, workerID int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrClusterMsgType, msgType),
		attribute.Int(AttrClusterWorkerID, workerID),
	}
}
