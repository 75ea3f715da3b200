// Package swapexecutor performs the reversing trade that closes a position.
// The interface makes no idempotence guarantee: the exit state machine
// guarantees at most one call per position via removal from the registry,
// not via any property of the executor itself.
package swapexecutor

import (
	"context"

	"positionmonitor/internal/models"
)

// SwapExecutor executes a reversing trade on the venue and reports a
// receipt or a failure.
type SwapExecutor interface {
	Execute(ctx context.Context, req models.ReversingRequest) (*models.SwapReceipt, error)
}
