package rediskv

import "fmt"

// KeySpace derives every build-scoped key name. All durable state lives under
// "build:{build_id}:<entity>", or "{namespace}:{build_id}:<entity>" when a
// namespace is configured.
type KeySpace struct {
	prefix string
}

// NewKeySpace builds the keyspace for a build.
func NewKeySpace(namespace, buildID string) KeySpace {
	if namespace == "" {
		return KeySpace{prefix: fmt.Sprintf("build:%s", buildID)}
	}
	return KeySpace{prefix: fmt.Sprintf("%s:%s", namespace, buildID)}
}

// Key returns a namespaced key for an arbitrary entity name.
func (k KeySpace) Key(name string) string {
	return k.prefix + ":" + name
}

func (k KeySpace) Queue() string                { return k.Key("queue") }
func (k KeySpace) Running() string              { return k.Key("running") }
func (k KeySpace) Processed() string            { return k.Key("processed") }
func (k KeySpace) Owners() string               { return k.Key("owners") }
func (k KeySpace) Heartbeats() string           { return k.Key("heartbeats") }
func (k KeySpace) Workers() string              { return k.Key("workers") }
func (k KeySpace) MasterStatus() string         { return k.Key("master-status") }
func (k KeySpace) MasterWorkerID() string       { return k.Key("master-worker-id") }
func (k KeySpace) MasterSetupHeartbeat() string { return k.Key("master-setup-heartbeat") }
func (k KeySpace) Total() string                { return k.Key("total") }
func (k KeySpace) CreatedAt() string            { return k.Key("created-at") }
func (k KeySpace) TestFailedCount() string      { return k.Key("test_failed_count") }
func (k KeySpace) RequeuesCount() string        { return k.Key("requeues-count") }
func (k KeySpace) ErrorReports() string         { return k.Key("error-reports") }
func (k KeySpace) FlakyReports() string         { return k.Key("flaky-reports") }
func (k KeySpace) Warnings() string             { return k.Key("warnings") }
func (k KeySpace) Chunks() string               { return k.Key("chunks") }
func (k KeySpace) TestGroupTimeout() string     { return k.Key("test-group-timeout") }

// Chunk returns the key holding one serialized chunk record.
func (k KeySpace) Chunk(chunkID string) string {
	return k.Key("chunk:" + chunkID)
}

// WorkerQueue returns the per-worker reserved list, also usable as another
// worker's queue key parsed back out of an owners entry.
func (k KeySpace) WorkerQueue(workerID string) string {
	return k.Key(fmt.Sprintf("worker:%s:queue", workerID))
}
