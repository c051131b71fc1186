package edgemesh

// IdentityKind distinguishes the caller classes the scheduler recognizes.
type IdentityKind string

const (
	// IdentityAdmin may cancel tasks, replay the DLQ, and manage nodes.
	IdentityAdmin IdentityKind = "admin"
	// IdentityNode is a worker acting as a specific registered node.
	IdentityNode IdentityKind = "node"
	// IdentityProducer may submit tasks, optionally bound to one task id.
	IdentityProducer IdentityKind = "producer"
	// IdentityBootstrap may register new nodes.
	IdentityBootstrap IdentityKind = "bootstrap"
)

// Identity is a verified caller. Token parsing and signature checks happen at
// the boundary; the scheduler only consumes the result.
type Identity struct {
	Kind IdentityKind
	// NodeID is the node a node identity acts as.
	NodeID string
	// TaskID is the task a producer's job token is bound to, when bound.
	TaskID string
}

// IsAdmin reports whether the identity passes admin gates.
func (id Identity) IsAdmin() bool { return id.Kind == IdentityAdmin }
