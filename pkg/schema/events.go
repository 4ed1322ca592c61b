package schema

// Event type constants for the instance event log.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
)

// InstanceStatus represents the lifecycle state of a pipeline instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceStatusRunning, InstanceStatusSuspended, InstanceStatusCompleted, InstanceStatusFailed:
		return true
	}
	return false
}
