package agent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/opengrid/gridcore/internal/model"
	"github.com/opengrid/gridcore/internal/statetable"
)

// runWithHeartbeat runs the execution activity and the heartbeat activity
// concurrently on a single goroutine pair: whichever finishes first
// determines the outcome. The execution activity's result wins unless the
// heartbeat activity discovers the task was cancelled out from under it.
type heartbeatOutcome struct {
	cancelled bool
	lost      bool // CONDITION on refresh for a reason other than cancellation: RC took over
}

func runWithHeartbeat(
	ctx context.Context,
	st *statetable.Ops,
	taskID, owner string,
	refreshInterval, ttlOffset time.Duration,
	logger *slog.Logger,
	exec func(ctx context.Context) ([]byte, error),
) ([]byte, *heartbeatOutcome, error) {
	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	var done atomic.Bool
	outcomeCh := make(chan *heartbeatOutcome, 1)

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if done.Load() {
					return
				}
				err := st.RefreshTTL(execCtx, taskID, owner, ttlOffset)
				if err == nil {
					continue
				}
				row, getErr := st.Get(execCtx, taskID)
				if getErr == nil && row.State == model.StateCancelled {
					logger.Info("agent: task cancelled during execution, aborting", "task_id", taskID)
					cancelExec()
					outcomeCh <- &heartbeatOutcome{cancelled: true}
					return
				}
				logger.Warn("agent: lease refresh failed, reclaimer has taken over", "task_id", taskID, "error", err)
				cancelExec()
				outcomeCh <- &heartbeatOutcome{lost: true}
				return
			}
		}
	}()

	result, execErr := exec(execCtx)
	done.Store(true)
	cancelExec()

	select {
	case outcome := <-outcomeCh:
		return result, outcome, execErr
	default:
		return result, &heartbeatOutcome{}, execErr
	}
}
