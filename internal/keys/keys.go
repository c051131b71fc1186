// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

// All keys share one hash tag per namespace so every structure lands in the
// same cluster slot and Lua scripts may touch them together.

// Keyspace holds the precomputed keys for one control-plane namespace.
type Keyspace struct {
	// Nodes is the SET of registered node ids.
	Nodes string
	// Queued is the ZSET of queued task ids scored by createdAt (FIFO scan order).
	Queued string
	// Leased is the ZSET of claimed task ids scored by lease expiry.
	Leased string
	// DlqIndex is the ZSET of dead-lettered task ids scored by enqueue time.
	DlqIndex string

	// Prefixes for per-record keys; append the record id.
	TaskPrefix   string
	NodePrefix   string
	ResultPrefix string
	DlqPrefix    string
	// ActivePrefix + nodeID is the SET of in-flight task ids for one node.
	ActivePrefix string
}

// For returns the keyspace for the provided namespace.
func For(ns string) Keyspace {
	prefix := "edgemesh:{" + ns + "}:"
	return Keyspace{
		Nodes:        prefix + "nodes",
		Queued:       prefix + "queued",
		Leased:       prefix + "leased",
		DlqIndex:     prefix + "dlqidx",
		TaskPrefix:   prefix + "task:",
		NodePrefix:   prefix + "node:",
		ResultPrefix: prefix + "result:",
		DlqPrefix:    prefix + "dlq:",
		ActivePrefix: prefix + "active:",
	}
}

// Task returns the hash key for one task record.
func (k Keyspace) Task(id string) string { return k.TaskPrefix + id }

// Node returns the hash key for one node record.
func (k Keyspace) Node(id string) string { return k.NodePrefix + id }

// Result returns the string key for one terminal result.
func (k Keyspace) Result(id string) string { return k.ResultPrefix + id }

// Dlq returns the string key for one dead-letter entry.
func (k Keyspace) Dlq(id string) string { return k.DlqPrefix + id }

// Active returns the in-flight SET key for one node.
func (k Keyspace) Active(nodeID string) string { return k.ActivePrefix + nodeID }
