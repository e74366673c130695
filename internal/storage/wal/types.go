package wal

// EventType enumerates every durable state transition the Queue/FleetManager/
// Scheduler/TriggerManager apply: the full job state machine plus fleet,
// schedule, and trigger mutations.
type EventType string

const (
	EventJobEnqueued    EventType = "JobEnqueued"
	EventJobQueued      EventType = "JobQueued"
	EventJobDispatched  EventType = "JobDispatched"
	EventJobProgress    EventType = "JobProgress"
	EventJobCompleted   EventType = "JobCompleted"
	EventJobFailed      EventType = "JobFailed"
	EventJobTimedOut    EventType = "JobTimedOut"
	EventJobCancelled   EventType = "JobCancelled"
	EventJobRequeued    EventType = "JobRequeued"

	EventRobotRegistered   EventType = "RobotRegistered"
	EventRobotDeregistered EventType = "RobotDeregistered"

	EventScheduleUpserted EventType = "ScheduleUpserted"
	EventScheduleDeleted  EventType = "ScheduleDeleted"

	EventTriggerUpserted EventType = "TriggerUpserted"
	EventTriggerDeleted  EventType = "TriggerDeleted"
)

// Event is a single WAL record. Payload carries the JSON-encoded entity
// (Job/Robot/Schedule/Trigger) so replay can reconstruct full state, not
// just a status flag.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	EntityID  string          `json:"entity_id"`
	Timestamp int64           `json:"timestamp"`
	Payload   []byte          `json:"payload,omitempty"`
	Checksum  uint32          `json:"checksum"`
}

// EventHandler applies a replayed event to in-memory state.
type EventHandler func(event *Event) error

// SnapshotMarker records the WAL sequence a snapshot was taken at, so
// recovery knows where to resume replay.
type SnapshotMarker struct {
	LastSeq uint64
}
