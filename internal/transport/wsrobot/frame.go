// Package wsrobot implements the robot wire channel over
// github.com/gorilla/websocket: one connection per robot, a framed JSON
// protocol, a bounded per-connection outbound queue, and a read/write
// pump pair per connection. The frame contract is plain JSON over an
// ordered bidirectional socket, so any robot client can speak it without
// a generated stub.
package wsrobot

import (
	"encoding/json"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
)

// Frame is the wire envelope every message, inbound or outbound, is sent
// as.
type Frame struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

const (
	TypeRegister       = "register"
	TypeRegisterAck    = "register_ack"
	TypeHeartbeat      = "heartbeat"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeDisconnect     = "disconnect"
	TypeJobAssign      = "job_assign"
	TypeJobAccept      = "job_accept"
	TypeJobReject      = "job_reject"
	TypeJobProgress    = "job_progress"
	TypeJobComplete    = "job_complete"
	TypeJobFailed      = "job_failed"
	TypeJobCancel      = "job_cancel"
	TypeJobCancelled   = "job_cancelled"
	TypeStatusRequest  = "status_request"
	TypeStatusResponse = "status_response"
	TypeLogEntry       = "log_entry"
	TypeLogBatch       = "log_batch"
	TypePause          = "pause"
	TypeResume         = "resume"
	TypeShutdown       = "shutdown"
)

// RegisterPayload is the payload of a register frame.
type RegisterPayload struct {
	RobotID      types.RobotID `json:"robot_id"`
	Name         string        `json:"name"`
	Environment  string        `json:"environment"`
	Tags         []string      `json:"tags"`
	Capabilities []string      `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// HeartbeatPayload is the payload of a heartbeat frame.
type HeartbeatPayload struct {
	RobotID     types.RobotID `json:"robot_id"`
	CurrentJobs int           `json:"current_jobs"`
}

// JobAcceptPayload / JobRejectPayload carry the job_id the robot is
// acknowledging or declining.
type JobAcceptPayload struct {
	JobID types.JobID `json:"job_id"`
}

type JobRejectPayload struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason"`
}

// JobProgressPayload reports in-flight progress.
type JobProgressPayload struct {
	JobID       types.JobID `json:"job_id"`
	Progress    int         `json:"progress"`
	CurrentNode string      `json:"current_node"`
}

// JobCompletePayload / JobFailedPayload report terminal outcomes.
type JobCompletePayload struct {
	JobID  types.JobID    `json:"job_id"`
	Result map[string]any `json:"result"`
}

type JobFailedPayload struct {
	JobID      types.JobID `json:"job_id"`
	ErrorKind  string      `json:"error_kind"`
	Message    string      `json:"message"`
	StackTrace string      `json:"stack_trace,omitempty"`
	FailedNode string      `json:"failed_node,omitempty"`
}

// LogBatchPayload carries a batch of log lines for a job.
type LogBatchPayload struct {
	JobID   types.JobID `json:"job_id"`
	Entries []string    `json:"entries"`
}

// DisconnectPayload announces a graceful disconnect.
type DisconnectPayload struct {
	RobotID types.RobotID `json:"robot_id"`
	Reason  string        `json:"reason,omitempty"`
}

// JobAssignPayload is the outbound counterpart handed to a robot when
// dispatched a job.
type JobAssignPayload struct {
	Job *types.Job `json:"job"`
}

// JobCancelPayload is sent to ask a robot to stop work on a job.
type JobCancelPayload struct {
	JobID  types.JobID `json:"job_id"`
	Reason string      `json:"reason"`
}
