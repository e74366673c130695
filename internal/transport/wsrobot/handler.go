package wsrobot

import (
	"context"

	"github.com/falconrpa/orchestrator/pkg/types"
)

// Handler receives decoded inbound frames. Engine implements this,
// translating wire messages into Queue/FleetManager/ResultCollector
// operations per the inbound-message effect table.
type Handler interface {
	HandleRegister(ctx context.Context, p RegisterPayload) error
	HandleHeartbeat(ctx context.Context, p HeartbeatPayload) error
	HandleJobAccept(ctx context.Context, robotID types.RobotID, p JobAcceptPayload) error
	HandleJobReject(ctx context.Context, robotID types.RobotID, p JobRejectPayload) error
	HandleJobProgress(ctx context.Context, p JobProgressPayload) error
	HandleJobComplete(ctx context.Context, robotID types.RobotID, p JobCompletePayload) error
	HandleJobFailed(ctx context.Context, robotID types.RobotID, p JobFailedPayload) error
	HandleJobCancelled(ctx context.Context, robotID types.RobotID, p JobAcceptPayload) error
	HandleLogBatch(ctx context.Context, p LogBatchPayload) error
	HandleDisconnect(ctx context.Context, robotID types.RobotID)
}
