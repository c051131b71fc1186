package edgemesh

import "time"

type submitOptions struct {
	id           string
	priority     int
	maxAttempts  int
	timeoutMs    int64
	targetNodeID string
	requiredTags []string
}

// SubmitOption configures task behavior during Submit.
type SubmitOption func(*submitOptions)

// TaskID sets a custom ID for the task. If not provided, one is minted.
func TaskID(id string) SubmitOption {
	return func(o *submitOptions) {
		o.id = id
	}
}

// Priority sets the task's claim priority. Higher is more urgent; zero is the default.
func Priority(p int) SubmitOption {
	return func(o *submitOptions) {
		o.priority = p
	}
}

// MaxAttempts sets the task's retry budget. Values below 1 fall back to the default.
func MaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) {
		o.maxAttempts = n
	}
}

// Timeout sets the per-attempt deadline enforced by the reaper.
func Timeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		o.timeoutMs = d.Milliseconds()
	}
}

// TargetNode pins the task so only the named node may claim it.
func TargetNode(nodeID string) SubmitOption {
	return func(o *submitOptions) {
		o.targetNodeID = nodeID
	}
}

// RequireTags restricts claiming to nodes carrying every listed tag.
func RequireTags(tags ...string) SubmitOption {
	return func(o *submitOptions) {
		o.requiredTags = append(o.requiredTags, tags...)
	}
}
