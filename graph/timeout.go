package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// runWithTimeout executes node under the engine's per-step deadline.
// A zero timeout runs the node with the parent context unchanged.
func runWithTimeout(ctx context.Context, node Node, id StepID, state ProcessState, timeout time.Duration) NodeResult {
	if timeout <= 0 {
		return node.Run(ctx, state)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := node.Run(stepCtx, state)

	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		cause := fmt.Errorf("step %s exceeded timeout of %v: %w", id, timeout, context.DeadlineExceeded)
		if result.Err == nil {
			result.Err = cause
		}
	}
	return result
}
